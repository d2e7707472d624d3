package federation

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/admin"
	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/group"
	"github.com/Meander-Cloud/go-chatfusion/net/tcp"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

var (
	ErrNotRoot          = errors.New("federation: only a root server can initiate a fusion")
	ErrSelfFusion       = errors.New("federation: cannot fuse with self")
	ErrFusionPending    = errors.New("federation: a fusion is already pending")
	ErrNameClash        = errors.New("federation: server names clash")
	ErrHandshakeTimeout = errors.New("federation: fusion handshake timed out")
	ErrLinkClosed       = errors.New("federation: connection closed before the fusion completed")
	ErrUnsupported      = errors.New("federation: command not supported by a server")
	ErrTooLarge         = errors.New("federation: member list does not fit in one packet")
)

// Transport is the part of the reactor the coordinator drives.
type Transport interface {
	Queue(id tcp.ConnID, p packet.Packet) error
	Close(id tcp.ConnID)
	Connect(address netip.AddrPort) (tcp.ConnID, error)
	Descriptor(id tcp.ConnID) string
}

// Timers arms and cancels one-shot callbacks on the arbiter goroutine.
type Timers interface {
	Schedule(g group.Group, wait time.Duration, f func())
	Release(g group.Group)
}

type Options struct {
	Name          string
	Address       netip.AddrPort
	HandshakeWait time.Duration
	// MaxPacketSize bounds FusionInit and FusionAck, which carry the member
	// list and must fit the outbound buffer whole.
	MaxPacketSize int

	Transport Transport
	Timers    Timers
	Metrics   *Metrics
	Logger    *zap.Logger
	LogDebug  bool
}

// Coordinator is the server's packet handler: logins, message routing and
// the fusion protocol. Every method runs on the arbiter goroutine.
type Coordinator struct {
	options *Options
	logger  *zap.Logger
	metrics *Metrics
	t       Transport
	timers  Timers
	state   *State
}

func NewCoordinator(options *Options) (*Coordinator, error) {
	if err := packet.ValidString(options.Name); err != nil {
		return nil, fmt.Errorf("invalid Name=%q: %w", options.Name, err)
	}
	if err := packet.ValidAddress(options.Address); err != nil {
		return nil, fmt.Errorf("invalid Address=%s: %w", options.Address, err)
	}
	if options.Transport == nil {
		return nil, fmt.Errorf("%s: nil Transport", options.Name)
	}
	if options.Timers == nil {
		return nil, fmt.Errorf("%s: nil Timers", options.Name)
	}
	if options.HandshakeWait == 0 {
		options.HandshakeWait = config.FusionHandshakeWait
	}
	if options.MaxPacketSize == 0 {
		options.MaxPacketSize = config.BufferSize
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	c := &Coordinator{
		options: options,
		logger:  logger.Named("federation").With(zap.String("self", options.Name)),
		metrics: metrics,
		t:       options.Transport,
		timers:  options.Timers,
		state:   NewState(options.Name, options.Address),
	}

	c.logger.Info("coordinator ready", zap.Stringer("address", options.Address))
	return c, nil
}

// State exposes the live state; callers must be on the arbiter goroutine.
func (c *Coordinator) State() *State {
	return c.state
}

// invoked on arbiter goroutine
func (c *Coordinator) Handle(id tcp.ConnID, p packet.Packet) {
	switch p := p.(type) {
	case packet.Login:
		c.login(id, p)
	case packet.PublicMessage:
		c.publicMessage(id, p)
	case packet.FusionInit:
		c.fusionInit(id, p)
	case packet.FusionAck:
		c.fusionAck(id, p)
	case packet.FusionNameClash:
		c.fusionNameClash(id, p)
	case packet.FusionRedirect:
		c.fusionRedirect(id, p)
	case packet.FusionJoin:
		c.fusionJoin(id, p)
	case packet.LoginAccepted, packet.LoginRefused:
		c.logger.Warn(
			"client-only packet received, closing",
			zap.String("conn", c.t.Descriptor(id)),
			zap.Stringer("opcode", p.Opcode()),
		)
		c.t.Close(id)
	default:
		c.logger.Error(
			"unhandled packet",
			zap.String("conn", c.t.Descriptor(id)),
			zap.Stringer("opcode", p.Opcode()),
		)
	}
}

// invoked on arbiter goroutine
func (c *Coordinator) Closed(id tcp.ConnID) {
	s := c.state

	if name, found := s.removeLogin(id); found {
		c.metrics.Members.Set(float64(len(s.LocalLogins)))
		c.logger.Info("client logged out", zap.String("login", name), zap.Uint32("conn", uint32(id)))
	}

	if name, found := s.removePeer(id); found {
		c.metrics.Peers.Set(float64(len(s.Peers)))
		c.logger.Info("peer departed", zap.String("peer", name), zap.Uint32("conn", uint32(id)))
	}

	if s.isLeader(id) {
		c.logger.Warn(
			"leader link lost, now root of a detached federation",
			zap.String("leader", s.LeaderName),
			zap.Stringer("leaderAddress", s.LeaderAddress),
		)
		s.clearLeader()
	}

	if s.isPending(id) {
		c.failPending(ErrLinkClosed, "closed")
	}
}

// send queues p on id and logs the failure, the only cause being a
// connection that is already gone.
// invoked on arbiter goroutine
func (c *Coordinator) send(id tcp.ConnID, p packet.Packet) {
	if err := c.t.Queue(id, p); err != nil {
		c.logger.Info("send failed", zap.Stringer("opcode", p.Opcode()), zap.Error(err))
	}
}

// Execute is the admin executor for server commands.
// invoked on arbiter goroutine
func (c *Coordinator) Execute(cmd *admin.Command) {
	switch cmd.Kind {
	case admin.KindFusion:
		c.initiateFusion(cmd)
	case admin.KindInfo:
		cmd.Reply(c.info(), nil)
	case admin.KindPeers:
		cmd.Reply(c.peers(), nil)
	default:
		cmd.Reply("", fmt.Errorf("%w: %s", ErrUnsupported, cmd.Kind))
	}
}

func (c *Coordinator) info() string {
	v := c.state.View()
	leader := "-"
	if v.Role == RoleMember {
		leader = fmt.Sprintf("%s@%s", orDash(v.LeaderName), v.LeaderAddress)
	}
	return fmt.Sprintf(
		"name=%s address=%s role=%s leader=%s peers=%d pending=%t logins=[%s]",
		v.SelfName,
		v.SelfAddress,
		v.Role,
		leader,
		len(v.Peers),
		v.Pending,
		strings.Join(v.Logins, " "),
	)
}

func (c *Coordinator) peers() string {
	v := c.state.View()
	var b strings.Builder
	fmt.Fprintf(&b, "self=%s role=%s", v.SelfName, v.Role)
	if v.Role == RoleMember {
		fmt.Fprintf(&b, " leader=%s@%s", orDash(v.LeaderName), v.LeaderAddress)
	}
	fmt.Fprintf(&b, " peers=[%s]", strings.Join(v.Peers, " "))
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
