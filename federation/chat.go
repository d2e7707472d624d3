package federation

import (
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/net/tcp"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

// invoked on arbiter goroutine
func (c *Coordinator) login(id tcp.ConnID, p packet.Login) {
	s := c.state

	refuse := func(reason string) {
		c.metrics.Logins.WithLabelValues("refused").Inc()
		c.logger.Info(
			"login refused",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("login", p.Name),
			zap.String("reason", reason),
		)
		c.send(id, packet.LoginRefused{})
	}

	if s.isFederationLink(id) {
		refuse("federation link")
		return
	}
	if current, found := s.loginOf(id); found {
		refuse("connection already logged in as " + current)
		return
	}
	if _, found := s.LocalLogins[p.Name]; found {
		refuse("name taken")
		return
	}

	s.addLogin(p.Name, id)
	c.metrics.Logins.WithLabelValues("accepted").Inc()
	c.metrics.Members.Set(float64(len(s.LocalLogins)))
	c.logger.Info("login accepted", zap.String("conn", c.t.Descriptor(id)), zap.String("login", p.Name))

	c.send(id, packet.LoginAccepted{ServerName: s.SelfName})
}

// invoked on arbiter goroutine
func (c *Coordinator) publicMessage(id tcp.ConnID, p packet.PublicMessage) {
	s := c.state

	if p.OriginServer == s.SelfName {
		// authored here: only the connection holding the login may speak for it
		owner, found := s.LocalLogins[p.Login]
		if !found || owner != id {
			c.metrics.Messages.WithLabelValues("dropped_unregistered").Inc()
			c.logger.Info(
				"dropping message from unregistered login",
				zap.String("conn", c.t.Descriptor(id)),
				zap.String("login", p.Login),
			)
			return
		}

		c.deliverLocal(p)
		if s.IsRoot() {
			for _, peer := range s.Peers {
				c.forward(peer, p)
			}
		} else {
			c.forward(*s.Leader, p)
		}
		return
	}

	if !s.isFederationLink(id) {
		c.metrics.Messages.WithLabelValues("dropped_foreign").Inc()
		c.logger.Info(
			"dropping foreign-origin message from a client",
			zap.String("conn", c.t.Descriptor(id)),
			zap.String("origin", p.OriginServer),
		)
		return
	}

	c.deliverLocal(p)
	if s.IsRoot() {
		for _, peer := range s.Peers {
			if peer != id {
				c.forward(peer, p)
			}
		}
	} else if !s.isLeader(id) {
		c.forward(*s.Leader, p)
	}
}

// invoked on arbiter goroutine
func (c *Coordinator) deliverLocal(p packet.PublicMessage) {
	for _, client := range c.state.LocalLogins {
		c.send(client, p)
		c.metrics.Messages.WithLabelValues("delivered").Inc()
	}
	if c.options.LogDebug {
		c.logger.Debug(
			"delivered locally",
			zap.String("origin", p.OriginServer),
			zap.String("login", p.Login),
			zap.Int("clients", len(c.state.LocalLogins)),
		)
	}
}

// invoked on arbiter goroutine
func (c *Coordinator) forward(id tcp.ConnID, p packet.PublicMessage) {
	c.send(id, p)
	c.metrics.Messages.WithLabelValues("forwarded").Inc()
}
