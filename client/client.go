package client

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/admin"
	"github.com/Meander-Cloud/go-chatfusion/arbiter"
	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/net/tcp"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

var (
	ErrLoginRefused   = errors.New("client: login refused")
	ErrAlreadyStarted = errors.New("client: login already sent")
	ErrNotLoggedIn    = errors.New("client: not logged in")
	ErrDisconnected   = errors.New("client: disconnected")
)

// Callback receives session events on the client's arbiter goroutine; it
// must not block.
type Callback interface {
	LoggedIn(serverName string)
	Message(p packet.PublicMessage)
	Disconnected()
}

type Options struct {
	Login  string
	Server netip.AddrPort

	BufferSize         int
	DialTimeout        time.Duration
	WriteSlice         time.Duration
	EventChannelLength uint16
	CommandQueueLength int

	Callback Callback
	Logger   *zap.Logger
	LogDebug bool
}

type State uint8

const (
	StateIdle       State = 0
	StateLoggingIn  State = 1
	StateLoggedIn   State = 2
	StateDisconnect State = 3
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateLoggingIn:
		return "LoggingIn"
	case StateLoggedIn:
		return "LoggedIn"
	case StateDisconnect:
		return "Disconnected"
	default:
		return "Unknown State"
	}
}

// Client is a single chat session. It reuses the server's reactor with no
// listener: one dialed connection, driven by commands through a bridge.
type Client struct {
	options *Options
	logger  *zap.Logger
	a       *arbiter.Arbiter
	r       *tcp.Reactor
	bridge  *admin.Bridge

	doneOnce sync.Once
	done     chan struct{}

	// arbiter goroutine
	state      State
	conn       tcp.ConnID
	serverName string
	login      *admin.Command
}

func New(options *Options) (*Client, error) {
	if err := packet.ValidString(options.Login); err != nil {
		return nil, fmt.Errorf("invalid Login=%q: %w", options.Login, err)
	}
	if err := packet.ValidAddress(options.Server); err != nil {
		return nil, fmt.Errorf("invalid Server=%s: %w", options.Server, err)
	}
	if options.Callback == nil {
		return nil, fmt.Errorf("%s: nil Callback", options.Login)
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		options: options,
		logger:  logger.Named("client").With(zap.String("login", options.Login)),
		done:    make(chan struct{}),
		state:   StateIdle,
	}

	c.a = arbiter.NewArbiter(
		&arbiter.Options{
			EventChannelLength: options.EventChannelLength,
			LogPrefix:          config.LogPrefix + "-client",
			LogDebug:           options.LogDebug,
			Logger:             logger,
		},
	)

	var err error
	c.r, err = tcp.NewReactor(
		&tcp.Options{
			Name:        options.Login,
			BufferSize:  options.BufferSize,
			DialTimeout: options.DialTimeout,
			WriteSlice:  options.WriteSlice,
			LogDebug:    options.LogDebug,
			Logger:      logger,
			Metrics:     nil,
		},
		c.a,
	)
	if err != nil {
		c.a.Shutdown()
		return nil, err
	}
	c.r.SetHandler(c)

	c.bridge = admin.NewBridge(c.a, options.CommandQueueLength, c.execute, logger)

	return c, nil
}

// Login connects and waits until the server accepts or refuses the name.
func (c *Client) Login(ctx context.Context) (string, error) {
	cmd := admin.NewCommand(admin.KindLogin)
	cmd.Address = c.options.Server
	cmd.Text = c.options.Login

	resp, err := c.bridge.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return resp.Text, resp.Err
}

// Send publishes text to every login in the federation.
func (c *Client) Send(ctx context.Context, text string) error {
	if err := packet.ValidString(text); err != nil {
		return err
	}

	cmd := admin.NewCommand(admin.KindSend)
	cmd.Text = text

	resp, err := c.bridge.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	return resp.Err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Shutdown() {
	c.r.Shutdown() // wait
	c.a.Shutdown()
	c.doneOnce.Do(func() { close(c.done) })
}

// invoked on arbiter goroutine
func (c *Client) execute(cmd *admin.Command) {
	switch cmd.Kind {
	case admin.KindLogin:
		if c.state != StateIdle {
			cmd.Reply("", fmt.Errorf("%w: state=%s", ErrAlreadyStarted, c.state))
			return
		}

		id, err := c.r.Connect(cmd.Address)
		if err != nil {
			cmd.Reply("", err)
			return
		}
		c.conn = id
		c.state = StateLoggingIn
		c.login = cmd

		if err = c.r.Queue(id, packet.Login{Name: cmd.Text}); err != nil {
			c.abortLogin(id, err)
		}
	case admin.KindSend:
		if c.state != StateLoggedIn {
			cmd.Reply("", fmt.Errorf("%w: state=%s", ErrNotLoggedIn, c.state))
			return
		}

		err := c.r.Queue(
			c.conn,
			packet.PublicMessage{
				OriginServer: c.serverName,
				Login:        c.options.Login,
				Text:         cmd.Text,
			},
		)
		cmd.Reply("", err)
	default:
		cmd.Reply("", fmt.Errorf("client: unsupported command %s", cmd.Kind))
	}
}

// fail answers the login in flight, if any.
// invoked on arbiter goroutine
func (c *Client) fail(err error) {
	if c.login != nil {
		c.login.Reply("", err)
		c.login = nil
	}
}

// abortLogin drops a login that never reached the server and returns to
// StateIdle so Login may be retried.
// invoked on arbiter goroutine
func (c *Client) abortLogin(id tcp.ConnID, err error) {
	c.logger.Warn("login not sent", zap.String("conn", c.r.Descriptor(id)), zap.Error(err))

	c.state = StateIdle
	c.conn = 0
	c.fail(err)
	c.r.Close(id)
}

// invoked on arbiter goroutine
func (c *Client) Handle(id tcp.ConnID, p packet.Packet) {
	switch p := p.(type) {
	case packet.LoginAccepted:
		if c.state != StateLoggingIn {
			c.logger.Warn("unexpected login accepted", zap.String("conn", c.r.Descriptor(id)))
			return
		}
		c.state = StateLoggedIn
		c.serverName = p.ServerName
		c.logger.Info("logged in", zap.String("conn", c.r.Descriptor(id)), zap.String("server", p.ServerName))

		c.login.Reply(p.ServerName, nil)
		c.login = nil
		c.options.Callback.LoggedIn(p.ServerName)
	case packet.LoginRefused:
		c.logger.Warn("login refused", zap.String("conn", c.r.Descriptor(id)))
		c.fail(ErrLoginRefused)
		c.r.Close(id)
	case packet.PublicMessage:
		if c.options.LogDebug {
			c.logger.Debug(
				"message",
				zap.String("origin", p.OriginServer),
				zap.String("from", p.Login),
				zap.Int("length", len(p.Text)),
			)
		}
		c.options.Callback.Message(p)
	default:
		c.logger.Warn(
			"server-only packet received, closing",
			zap.String("conn", c.r.Descriptor(id)),
			zap.Stringer("opcode", p.Opcode()),
		)
		c.r.Close(id)
	}
}

// invoked on arbiter goroutine
func (c *Client) Closed(id tcp.ConnID) {
	if id != c.conn {
		return
	}

	c.state = StateDisconnect
	c.fail(ErrDisconnected)
	c.logger.Info("disconnected", zap.String("server", c.serverName))

	c.options.Callback.Disconnected()
	c.doneOnce.Do(func() { close(c.done) })
}
