package federation

import (
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/admin"
	"github.com/Meander-Cloud/go-chatfusion/group"
	"github.com/Meander-Cloud/go-chatfusion/net/tcp"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

func handshakeGroup(id tcp.ConnID) group.Group {
	return group.New(group.KindFusionHandshakeWait, uint32(id))
}

// initiateFusion runs the FUSION admin command. The command is answered when
// the handshake completes, is rejected, or times out.
// invoked on arbiter goroutine
func (c *Coordinator) initiateFusion(cmd *admin.Command) {
	s := c.state

	switch {
	case !s.IsRoot():
		cmd.Reply("", fmt.Errorf("%w: leader is %s at %s", ErrNotRoot, orDash(s.LeaderName), s.LeaderAddress))
		return
	case cmd.Address == s.SelfAddress:
		cmd.Reply("", ErrSelfFusion)
		return
	case s.Pending != nil:
		cmd.Reply("", fmt.Errorf("%w: with %s", ErrFusionPending, s.Pending.Address))
		return
	}

	init := packet.FusionInit{
		ServerName: s.SelfName,
		Address:    s.SelfAddress,
		Members:    s.PeerNames(),
	}
	if init.Size() > c.options.MaxPacketSize {
		c.metrics.Fusions.WithLabelValues("too_large").Inc()
		cmd.Reply("", fmt.Errorf("%w: %d members, %d bytes, limit %d", ErrTooLarge, len(init.Members), init.Size(), c.options.MaxPacketSize))
		return
	}

	id, err := c.t.Connect(cmd.Address)
	if err != nil {
		c.metrics.Fusions.WithLabelValues("connect_failed").Inc()
		cmd.Reply("", fmt.Errorf("fusion with %s: %w", cmd.Address, err))
		return
	}

	s.Pending = &Pending{
		Conn:    id,
		Address: cmd.Address,
		Command: cmd,
		Started: time.Now().UTC(),
	}
	c.send(id, init)

	c.timers.Schedule(
		handshakeGroup(id),
		c.options.HandshakeWait,
		func() {
			// invoked on arbiter goroutine
			c.handshakeTimeout(id)
		},
	)

	c.logger.Info(
		"fusion initiated",
		zap.String("conn", c.t.Descriptor(id)),
		zap.Stringer("address", cmd.Address),
		zap.Duration("wait", c.options.HandshakeWait),
	)
}

// invoked on arbiter goroutine
func (c *Coordinator) handshakeTimeout(id tcp.ConnID) {
	s := c.state
	if !s.isPending(id) {
		return
	}

	pending := s.Pending
	s.Pending = nil
	c.metrics.Fusions.WithLabelValues("timeout").Inc()
	c.logger.Warn(
		"fusion handshake timed out",
		zap.String("conn", c.t.Descriptor(id)),
		zap.Duration("elapsed", time.Since(pending.Started)),
	)

	pending.Command.Reply("", fmt.Errorf("fusion with %s: %w", pending.Address, ErrHandshakeTimeout))
	c.t.Close(id)
}

// failPending abandons the outbound attempt and answers its command.
// invoked on arbiter goroutine
func (c *Coordinator) failPending(err error, outcome string) {
	pending := c.state.Pending
	c.state.Pending = nil
	c.timers.Release(handshakeGroup(pending.Conn))
	c.metrics.Fusions.WithLabelValues(outcome).Inc()

	c.logger.Info(
		"fusion failed",
		zap.Stringer("address", pending.Address),
		zap.String("outcome", outcome),
		zap.Error(err),
	)
	pending.Command.Reply("", fmt.Errorf("fusion with %s: %w", pending.Address, err))
}

// clashes reports whether the federation {name} ∪ members shares a name with
// this one.
func (c *Coordinator) clashes(name string, members []string) bool {
	s := c.state
	taken := func(n string) bool {
		_, found := s.Peers[n]
		return n == s.SelfName || found
	}

	if taken(name) {
		return true
	}
	for _, member := range members {
		if taken(member) {
			return true
		}
	}
	return false
}

// invoked on arbiter goroutine
func (c *Coordinator) fusionInit(id tcp.ConnID, p packet.FusionInit) {
	s := c.state

	if !s.IsRoot() || s.Pending != nil || s.isFederationLink(id) {
		// the initiator's handshake timer covers the silence
		c.metrics.Fusions.WithLabelValues("ignored").Inc()
		c.logger.Info(
			"ignoring fusion request",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("from", p.ServerName),
			zap.Stringer("role", s.Role()),
			zap.Bool("pending", s.Pending != nil),
		)
		return
	}
	if _, found := s.loginOf(id); found {
		c.logger.Warn("fusion request from a client connection, closing", zap.String("conn", c.t.Descriptor(id)))
		c.t.Close(id)
		return
	}

	if c.clashes(p.ServerName, p.Members) {
		c.metrics.Fusions.WithLabelValues("clash").Inc()
		c.logger.Info(
			"fusion rejected, names clash",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("from", p.ServerName),
			zap.Strings("members", p.Members),
		)
		c.send(id, packet.FusionNameClash{LeaderAddress: s.SelfAddress})
		return
	}

	ack := packet.FusionAck{
		ServerName: s.SelfName,
		Address:    s.SelfAddress,
		Members:    s.PeerNames(),
	}
	if ack.Size() > c.options.MaxPacketSize {
		// the initiator sees the link close and fails its command
		c.metrics.Fusions.WithLabelValues("too_large").Inc()
		c.logger.Warn(
			"fusion rejected, member list too large",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("from", p.ServerName),
			zap.Int("size", ack.Size()),
			zap.Int("limit", c.options.MaxPacketSize),
		)
		c.t.Close(id)
		return
	}

	c.send(id, ack)
	c.metrics.Fusions.WithLabelValues("accepted").Inc()
	c.elect(id, p.ServerName, p.Address)
}

// invoked on arbiter goroutine
func (c *Coordinator) fusionAck(id tcp.ConnID, p packet.FusionAck) {
	s := c.state
	if !s.isPending(id) {
		c.logger.Warn(
			"unexpected fusion ack",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("from", p.ServerName),
		)
		return
	}

	pending := s.Pending
	s.Pending = nil
	c.timers.Release(handshakeGroup(id))
	c.metrics.Fusions.WithLabelValues("completed").Inc()

	c.elect(id, p.ServerName, p.Address)

	leader := s.SelfName
	if !s.IsRoot() {
		leader = s.LeaderName
	}
	pending.Command.Reply(
		fmt.Sprintf(
			"fused with %s at %s in %s, leader %s",
			p.ServerName,
			p.Address,
			time.Since(pending.Started).Round(time.Millisecond),
			leader,
		),
		nil,
	)
}

// elect applies the winner rule to the link with other; both sides of a
// handshake reach the same result.
// invoked on arbiter goroutine
func (c *Coordinator) elect(link tcp.ConnID, other string, otherAddress netip.AddrPort) {
	s := c.state

	if s.SelfName > other {
		s.addPeer(other, link)
		c.metrics.Peers.Set(float64(len(s.Peers)))
		c.logger.Info(
			"elected leader",
			zap.String("conn", c.t.Descriptor(link)),
			zap.String("member", other),
			zap.Int("peers", len(s.Peers)),
		)
		return
	}

	// absorbed: former members move under the winner
	for name, peer := range s.Peers {
		c.logger.Info("redirecting member", zap.String("member", name), zap.Stringer("leaderAddress", otherAddress))
		c.send(peer, packet.FusionRedirect{LeaderAddress: otherAddress})
	}
	s.clearPeers()
	c.metrics.Peers.Set(0)

	s.setLeader(link, other, otherAddress)
	c.logger.Info(
		"following leader",
		zap.String("conn", c.t.Descriptor(link)),
		zap.String("leader", other),
		zap.Stringer("leaderAddress", otherAddress),
	)
}

// invoked on arbiter goroutine
func (c *Coordinator) fusionNameClash(id tcp.ConnID, p packet.FusionNameClash) {
	s := c.state

	switch {
	case s.isPending(id):
		c.failPending(
			fmt.Errorf("%w: remote federation led from %s", ErrNameClash, p.LeaderAddress),
			"clash",
		)
	case s.isLeader(id):
		c.logger.Warn(
			"join rejected by leader, names clash",
			zap.String("conn", c.t.Descriptor(id)),
			zap.Stringer("leaderAddress", p.LeaderAddress),
		)
		s.clearLeader()
		c.t.Close(id)
	default:
		c.logger.Info("unexpected name clash", zap.String("conn", c.t.Descriptor(id)))
	}
}

// invoked on arbiter goroutine
func (c *Coordinator) fusionRedirect(id tcp.ConnID, p packet.FusionRedirect) {
	s := c.state

	if !s.isLeader(id) {
		c.logger.Warn("redirect from a non-leader link ignored", zap.String("conn", c.t.Descriptor(id)))
		return
	}
	if p.LeaderAddress == s.SelfAddress {
		c.logger.Warn("redirect to self ignored", zap.String("conn", c.t.Descriptor(id)))
		return
	}

	s.clearLeader()
	next, err := c.t.Connect(p.LeaderAddress)
	if err != nil {
		c.logger.Error(
			"redirect connect failed, now root",
			zap.Stringer("leaderAddress", p.LeaderAddress),
			zap.Error(err),
		)
		c.t.Close(id)
		return
	}

	s.setLeader(next, "", p.LeaderAddress)
	c.send(next, packet.FusionJoin{ServerName: s.SelfName})
	c.metrics.Fusions.WithLabelValues("redirected").Inc()
	c.logger.Info(
		"redirected to new leader",
		zap.String("from", c.t.Descriptor(id)),
		zap.String("to", c.t.Descriptor(next)),
	)

	c.t.Close(id)
}

// invoked on arbiter goroutine
func (c *Coordinator) fusionJoin(id tcp.ConnID, p packet.FusionJoin) {
	s := c.state

	if s.isFederationLink(id) {
		c.logger.Warn("join on an established link ignored", zap.String("conn", c.t.Descriptor(id)))
		return
	}
	if _, found := s.loginOf(id); found {
		c.logger.Warn("join from a client connection, closing", zap.String("conn", c.t.Descriptor(id)))
		c.t.Close(id)
		return
	}

	if !s.IsRoot() {
		c.logger.Info(
			"join forwarded to leader",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("from", p.ServerName),
			zap.Stringer("leaderAddress", s.LeaderAddress),
		)
		c.send(id, packet.FusionRedirect{LeaderAddress: s.LeaderAddress})
		return
	}

	if c.clashes(p.ServerName, nil) {
		c.metrics.Fusions.WithLabelValues("clash").Inc()
		c.logger.Info("join rejected, names clash", zap.String("conn", c.t.Descriptor(id)), zap.String("from", p.ServerName))
		c.send(id, packet.FusionNameClash{LeaderAddress: s.SelfAddress})
		return
	}

	s.addPeer(p.ServerName, id)
	c.metrics.Peers.Set(float64(len(s.Peers)))
	c.metrics.Fusions.WithLabelValues("joined").Inc()
	c.logger.Info(
		"member joined",
		zap.String("conn", c.t.Descriptor(id)),
		zap.String("member", p.ServerName),
		zap.Int("peers", len(s.Peers)),
	)
}
