package admin

import (
	"fmt"
	"net/netip"
	"sync"
)

type Kind uint8

const (
	KindInvalid Kind = 0
	KindFusion  Kind = 1
	KindInfo    Kind = 2
	KindPeers   Kind = 3
	KindLogin   Kind = 4
	KindSend    Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "Invalid"
	case KindFusion:
		return "Fusion"
	case KindInfo:
		return "Info"
	case KindPeers:
		return "Peers"
	case KindLogin:
		return "Login"
	case KindSend:
		return "Send"
	default:
		return "Unknown Kind"
	}
}

type Response struct {
	Text string
	Err  error
}

// Command is submitted from any goroutine and executed on the arbiter
// goroutine. The executor replies exactly once, possibly long after it
// returned (a fusion replies when the handshake settles).
type Command struct {
	Kind    Kind
	Address netip.AddrPort // KindFusion
	Text    string         // KindLogin name, KindSend message

	once  sync.Once
	reply chan Response
}

func NewCommand(kind Kind) *Command {
	return &Command{
		Kind:  kind,
		reply: make(chan Response, 1),
	}
}

func (c *Command) String() string {
	switch c.Kind {
	case KindFusion:
		return fmt.Sprintf("%s %s", c.Kind, c.Address)
	case KindLogin, KindSend:
		return fmt.Sprintf("%s %q", c.Kind, c.Text)
	default:
		return c.Kind.String()
	}
}

// Reply delivers the outcome; later calls are ignored.
func (c *Command) Reply(text string, err error) {
	c.once.Do(func() {
		c.reply <- Response{Text: text, Err: err}
	})
}

func (c *Command) Replied() <-chan Response {
	return c.reply
}
