package admin

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-transport/tcp"
)

const (
	tcpWriteDeadline time.Duration = time.Second * 3
	requestTimeout   time.Duration = time.Second * 30
)

const (
	typicalBufferLen int    = 1024  // 1 KB
	maxPayloadLen    uint32 = 16384 // 16 KB
)

const (
	protocolPattern byte = 0x59
	protocolVersion byte = 0x01
	headerLen       int  = 7
)

const (
	ServerSenderID byte = 0x01
	ClientSenderID byte = 0x02
)

type Request struct {
	ID   string `msgpack:"id"`
	Line string `msgpack:"line"`
}

type Reply struct {
	ID    string `msgpack:"id"`
	Text  string `msgpack:"text"`
	Error string `msgpack:"error"`
}

type ProtocolOptions struct {
	*tcp.Options
	Parser *Parser
	Bridge *Bridge
	Logger *zap.Logger
}

// Protocol serves remote admin requests: each request line is handled
// exactly like a console line.
type Protocol struct {
	options    *ProtocolOptions
	logger     *zap.Logger
	inShutdown atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc

	// if increment overflow will wrap to zero
	connIDGen atomic.Uint32

	mutex   sync.Mutex
	connMap map[uint32]net.Conn
}

func NewProtocol(options *ProtocolOptions) (*Protocol, error) {
	if options.Bridge == nil {
		return nil, fmt.Errorf("%s: nil Bridge", options.LogPrefix)
	}
	if options.Parser == nil {
		options.Parser = NewParser()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		options: options,
		logger:  logger.Named("admin"),
		ctx:     ctx,
		cancel:  cancel,
		connMap: make(map[uint32]net.Conn),
	}
	return p, nil
}

func (p *Protocol) Options() *ProtocolOptions {
	return p.options
}

func (p *Protocol) Close() {
	p.logger.Info("protocol closing")
	p.inShutdown.Store(true)
	p.cancel()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, conn := range p.connMap {
		conn.Close()
	}

	p.logger.Info("protocol closed")
}

func (p *Protocol) ReadLoop(conn net.Conn) {
	connID := p.connIDGen.Add(1)
	descriptor := fmt.Sprintf("[%d]admin<-<%s>", connID, conn.RemoteAddr())
	logger := p.logger.With(zap.String("conn", descriptor))
	logger.Info("new connection")

	func() {
		p.mutex.Lock()
		defer p.mutex.Unlock()
		p.connMap[connID] = conn
	}()

	defer func() {
		func() {
			p.mutex.Lock()
			defer p.mutex.Unlock()
			delete(p.connMap, connID)
		}()

		conn.Close()
		logger.Info("connection closed", zap.Bool("inShutdown", p.inShutdown.Load()))
	}()

	for {
		req := new(Request)
		err := readWireData(conn, ClientSenderID, req)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Info("read failed", zap.Error(err))
			}
			return
		}
		if p.options.LogDebug {
			logger.Debug("received request", zap.String("id", req.ID), zap.String("line", req.Line))
		}

		reply := p.handle(req)

		err = writeWireData(conn, ServerSenderID, reply)
		if err != nil {
			logger.Info("write failed", zap.Error(err))
			return
		}
	}
}

func (p *Protocol) handle(req *Request) *Reply {
	ctx, cancel := context.WithTimeout(p.ctx, requestTimeout)
	defer cancel()

	reply := &Reply{ID: req.ID}
	text, err := ExecuteLine(ctx, p.options.Parser, p.options.Bridge, req.Line)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Text = text
	}
	return reply
}

// Call sends one admin line to address and returns the server's answer.
func Call(ctx context.Context, address string, line string) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return call(conn, line)
}

func call(conn net.Conn, line string) (string, error) {
	req := &Request{
		ID:   uuid.NewString(),
		Line: line,
	}
	if err := writeWireData(conn, ClientSenderID, req); err != nil {
		return "", err
	}

	reply := new(Reply)
	if err := readWireData(conn, ServerSenderID, reply); err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if reply.ID != req.ID {
		return "", fmt.Errorf("reply id %s does not match request id %s", reply.ID, req.ID)
	}
	if reply.Error != "" {
		return "", fmt.Errorf("%s", reply.Error)
	}
	return reply.Text, nil
}

// header of seven bytes
// 0 - pre-designated bit pattern indicating valid message
// 1 - protocol version
// 2 - sender id
// 3,4,5,6 - payload length of type uint32, little endian byte order
func readWireData[M any](conn net.Conn, rxid byte, messageStruct *M) error {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		return err
	}

	if header[0] != protocolPattern {
		return fmt.Errorf("invalid protocol pattern in header bytes %X", header)
	}
	if header[1] != protocolVersion {
		return fmt.Errorf("unsupported protocol version in header bytes %X", header)
	}
	if header[2] != rxid {
		return fmt.Errorf("unrecognized sender id in header bytes %X", header)
	}

	payloadLen := binary.LittleEndian.Uint32(header[3:7])
	if payloadLen > maxPayloadLen {
		return fmt.Errorf("payloadLen=%d in header bytes %X is too large", payloadLen, header)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return fmt.Errorf("read %d payload bytes: %w", payloadLen, err)
	}

	if err := msgpack.Unmarshal(payload, messageStruct); err != nil {
		return fmt.Errorf("unmarshal payload bytes %X: %w", payload, err)
	}
	return nil
}

func writeWireData[M any](conn net.Conn, txid byte, messageStruct *M) error {
	buffer := new(bytes.Buffer)
	buffer.Grow(typicalBufferLen)

	buffer.WriteByte(protocolPattern)
	buffer.WriteByte(protocolVersion)
	buffer.WriteByte(txid)

	// placeholder for payload length
	buffer.Write([]byte{0x00, 0x00, 0x00, 0x00})

	err := msgpack.NewEncoder(buffer).Encode(messageStruct)
	if err != nil {
		return fmt.Errorf("msgpack failed to encode messageStruct=%+v: %w", messageStruct, err)
	}

	buf := buffer.Bytes()
	// do not access buffer beyond this point

	payloadLen := uint32(len(buf) - headerLen)
	if payloadLen > maxPayloadLen {
		return fmt.Errorf("payloadLen=%d is too large", payloadLen)
	}
	binary.LittleEndian.PutUint32(buf[3:7], payloadLen)

	conn.SetWriteDeadline(time.Now().UTC().Add(tcpWriteDeadline))
	if _, err = conn.Write(buf); err != nil {
		return fmt.Errorf("write %d bytes: %w", len(buf), err)
	}
	return nil
}

// Server hosts the admin protocol on a go-transport TCP server.
type Server struct {
	protocol  *Protocol
	tcpServer *tcp.TcpServer
}

func NewServer(options *ProtocolOptions) (*Server, error) {
	protocol, err := NewProtocol(options)
	if err != nil {
		return nil, err
	}
	protocol.Options().Protocol = protocol

	tcpServer, err := tcp.NewTcpServer(protocol.Options().Options)
	if err != nil {
		return nil, err
	}

	return &Server{
		protocol:  protocol,
		tcpServer: tcpServer,
	}, nil
}

func (s *Server) Shutdown() {
	s.protocol.Close()
	if s.tcpServer != nil {
		s.tcpServer.Shutdown() // wait
	}
}
