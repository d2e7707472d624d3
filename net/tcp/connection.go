package tcp

import (
	"fmt"
	"net"

	"github.com/Meander-Cloud/go-chatfusion/codec"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

// ConnID identifies a connection for its whole life; ids are never reused.
type ConnID uint32

// Connection is touched only on the arbiter goroutine, except for the fields
// documented as pump-owned.
type Connection struct {
	id         ConnID
	conn       net.Conn
	remote     string
	dialed     bool
	descriptor string

	inbound  *codec.Buffer
	outbound *codec.Buffer
	queue    []packet.Packet
	decoder  codec.PacketDecoder

	closed     bool // peer sent EOF
	connecting bool
	destroyed  bool
	reading    bool
	writing    bool

	// pump-owned: readBuf is written by the read pump only while a read is
	// granted; the grant channels carry one request at a time.
	readBuf    []byte
	readGrant  chan int
	writeGrant chan []byte
	quit       chan struct{}
}

func newConnection(id ConnID, bufferSize int) *Connection {
	return &Connection{
		id:         id,
		inbound:    codec.NewBuffer(bufferSize),
		outbound:   codec.NewBuffer(bufferSize),
		readBuf:    make([]byte, bufferSize),
		readGrant:  make(chan int, 1),
		writeGrant: make(chan []byte, 1),
		quit:       make(chan struct{}),
	}
}

func (c *Connection) describe(self string) {
	if c.dialed {
		c.descriptor = fmt.Sprintf("[%d]%s-><%s>", c.id, self, c.remote)
	} else {
		c.descriptor = fmt.Sprintf("[%d]%s<-<%s>", c.id, self, c.remote)
	}
}

// flush moves whole packets from the queue into the outbound buffer while
// they fit. It reports packets that could never fit.
func (c *Connection) flush(dropped func(p packet.Packet, reason string, err error)) {
	for len(c.queue) > 0 {
		p := c.queue[0]
		size := p.Size()
		if size > c.outbound.Cap() {
			dropped(p, "oversize", fmt.Errorf("packet size %d exceeds buffer capacity %d", size, c.outbound.Cap()))
			c.pop()
			continue
		}
		if size > c.outbound.Available() {
			return
		}

		n, err := p.Encode(c.outbound.Free())
		if err != nil {
			dropped(p, "encode", err)
			c.pop()
			continue
		}
		c.outbound.Commit(n)
		c.pop()
	}
}

func (c *Connection) pop() {
	c.queue[0] = nil
	c.queue = c.queue[1:]
	if len(c.queue) == 0 {
		c.queue = nil
	}
}
