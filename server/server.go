package server

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	transport "github.com/Meander-Cloud/go-transport/tcp"

	"github.com/Meander-Cloud/go-chatfusion/admin"
	"github.com/Meander-Cloud/go-chatfusion/arbiter"
	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/federation"
	"github.com/Meander-Cloud/go-chatfusion/net/tcp"
)

// Server is one chat server: the reactor and federation coordinator on a
// shared arbiter, plus the admin surfaces that feed commands into it.
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	arbiter     *arbiter.Arbiter
	reactor     *tcp.Reactor
	coordinator *federation.Coordinator
	parser      *admin.Parser
	bridge      *admin.Bridge
	admin       *admin.Server

	listenAddress    netip.AddrPort
	advertiseAddress netip.AddrPort

	shutdownOnce sync.Once
}

// New validates c, binds the chat listener and, when configured, the admin
// listener. The server is accepting when New returns.
func New(c *config.Config, logger *zap.Logger) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:   c,
		logger:   logger.Named("server").With(zap.String("self", c.Name)),
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	defer func() {
		if err != nil {
			s.Shutdown() // wait
		}
	}()

	s.arbiter = arbiter.NewArbiter(
		&arbiter.Options{
			EventChannelLength: c.EventChannelLength,
			LogPrefix:          c.LogPrefix,
			LogDebug:           c.LogDebug,
			Logger:             logger,
		},
	)

	s.reactor, err = tcp.NewReactor(
		&tcp.Options{
			Name:        c.Name,
			BufferSize:  c.BufferSize,
			DialTimeout: c.DialTimeout,
			WriteSlice:  c.WriteSlice,
			LogDebug:    c.LogDebug,
			Logger:      logger,
			Metrics:     tcp.NewMetrics(s.registry),
		},
		s.arbiter,
	)
	if err != nil {
		return nil, err
	}

	ln, err := tcp.Bind(context.Background(), c.ListenAddress)
	if err != nil {
		return nil, err
	}
	s.listenAddress, err = netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return nil, err
	}
	s.advertiseAddress, err = advertise(c.AdvertiseAddress, s.listenAddress)
	if err != nil {
		ln.Close()
		return nil, err
	}

	s.coordinator, err = federation.NewCoordinator(
		&federation.Options{
			Name:          c.Name,
			Address:       s.advertiseAddress,
			HandshakeWait: c.FusionHandshakeWait,
			MaxPacketSize: c.BufferSize,
			Transport:     s.reactor,
			Timers:        s.arbiter,
			Metrics:       federation.NewMetrics(s.registry),
			Logger:        logger,
			LogDebug:      c.LogDebug,
		},
	)
	if err != nil {
		ln.Close()
		return nil, err
	}
	s.reactor.SetHandler(s.coordinator)

	s.parser = admin.NewParser()
	s.bridge = admin.NewBridge(s.arbiter, c.CommandQueueLength, s.coordinator.Execute, logger)

	if _, err = s.reactor.Serve(ln); err != nil {
		return nil, err
	}

	if c.AdminAddress != "" {
		s.admin, err = admin.NewServer(
			&admin.ProtocolOptions{
				Options: &transport.Options{
					Address:           c.AdminAddress,
					KeepAliveInterval: config.TcpKeepAliveInterval,
					KeepAliveCount:    config.TcpKeepAliveCount,
					DialTimeout:       c.DialTimeout,
					ReconnectInterval: config.TcpReconnectInterval,
					ReconnectLogEvery: config.TcpReconnectLogEvery,
					Protocol:          nil,
					LogPrefix:         c.LogPrefix + "-admin",
					LogDebug:          c.LogDebug,
				},
				Parser: s.parser,
				Bridge: s.bridge,
				Logger: logger,
			},
		)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info(
		"server started",
		zap.Stringer("listen", s.listenAddress),
		zap.Stringer("advertise", s.advertiseAddress),
		zap.String("admin", c.AdminAddress),
	)
	return s, nil
}

// advertise picks the address sent to other servers during fusion.
func advertise(configured string, bound netip.AddrPort) (netip.AddrPort, error) {
	if configured != "" {
		return netip.ParseAddrPort(configured)
	}
	if bound.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), bound.Port()), nil
	}
	return netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port()), nil
}

func (s *Server) Name() string {
	return s.config.Name
}

// ListenAddress is the bound chat address.
func (s *Server) ListenAddress() netip.AddrPort {
	return s.listenAddress
}

// Address is the address other servers are told to reach this one at.
func (s *Server) Address() netip.AddrPort {
	return s.advertiseAddress
}

func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Execute runs one admin line, as typed on the console.
func (s *Server) Execute(ctx context.Context, line string) (string, error) {
	return admin.ExecuteLine(ctx, s.parser, s.bridge, line)
}

func (s *Server) RunConsole(ctx context.Context, in io.Reader, out io.Writer) error {
	return admin.RunConsole(ctx, in, out, s.parser, s.bridge, s.logger)
}

// View snapshots the federation state.
func (s *Server) View() (federation.View, error) {
	var v federation.View
	err := s.reactor.Do(
		func() {
			// invoked on arbiter goroutine
			v = s.coordinator.State().View()
		},
	)
	if err != nil {
		return federation.View{}, fmt.Errorf("%s: view: %w", s.config.Name, err)
	}
	return v, nil
}

// Shutdown stops the admin listener, then every connection, then the arbiter.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(
		func() {
			s.logger.Info("server shutting down")

			if s.admin != nil {
				s.admin.Shutdown() // wait
			}
			if s.reactor != nil {
				s.reactor.Shutdown() // wait
			}
			if s.arbiter != nil {
				s.arbiter.Shutdown()
			}

			s.logger.Info("server shut down")
		},
	)
}
