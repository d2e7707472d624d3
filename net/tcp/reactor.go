package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-chatfusion/arbiter"
	"github.com/Meander-Cloud/go-chatfusion/codec"
	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

var (
	ErrUnknownConnection = errors.New("tcp: unknown connection")
	ErrNoHandler         = errors.New("tcp: no handler")
	ErrShutdown          = errors.New("tcp: reactor shut down")
)

// Handler receives decoded packets and close notifications on the arbiter
// goroutine.
type Handler interface {
	Handle(id ConnID, p packet.Packet)
	Closed(id ConnID)
}

type Options struct {
	// Name labels connection descriptors in logs.
	Name        string
	BufferSize  int
	DialTimeout time.Duration
	WriteSlice  time.Duration

	LogDebug bool
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Reactor owns every connection. Socket I/O happens on per-connection pump
// goroutines that perform one blocking call at a time, only when the reactor
// grants interest, and post the result back to the arbiter goroutine.
type Reactor struct {
	options *Options
	logger  *zap.Logger
	metrics *Metrics
	a       *arbiter.Arbiter
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inShutdown atomic.Bool
	listener   net.Listener

	// arbiter goroutine
	nextID ConnID
	conns  map[ConnID]*Connection
}

func NewReactor(options *Options, a *arbiter.Arbiter) (*Reactor, error) {
	if a == nil {
		return nil, fmt.Errorf("%s: nil Arbiter", options.Name)
	}

	if options.BufferSize == 0 {
		options.BufferSize = config.BufferSize
	}
	if options.BufferSize < config.MinBufferSize {
		return nil, fmt.Errorf("%s: invalid BufferSize=%d", options.Name, options.BufferSize)
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = config.DialTimeout
	}
	if options.WriteSlice == 0 {
		options.WriteSlice = config.WriteSlice
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := options.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reactor{
		options: options,
		logger:  logger.Named("reactor"),
		metrics: metrics,
		a:       a,
		handler: nil,

		ctx:    ctx,
		cancel: cancel,

		nextID: 0,
		conns:  make(map[ConnID]*Connection),
	}
	return r, nil
}

// SetHandler must be called before Listen or Connect.
func (r *Reactor) SetHandler(h Handler) {
	r.handler = h
}

// Listen binds address and starts accepting connections.
// any goroutine, once
func (r *Reactor) Listen(address string) (netip.AddrPort, error) {
	if r.handler == nil {
		return netip.AddrPort{}, ErrNoHandler
	}

	ln, err := Bind(r.ctx, address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%s: %w", r.options.Name, err)
	}
	return r.Serve(ln)
}

// Bind opens an IPv4 listener without accepting on it yet, so the bound
// port is known before the handler is built.
func Bind(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp4", address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	return ln, nil
}

// Serve starts accepting on ln and returns its bound address. The reactor
// owns ln from here on.
// any goroutine, once
func (r *Reactor) Serve(ln net.Listener) (netip.AddrPort, error) {
	if r.handler == nil {
		ln.Close()
		return netip.AddrPort{}, ErrNoHandler
	}

	local, err := netip.ParseAddrPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return netip.AddrPort{}, fmt.Errorf("%s: listener address %s: %w", r.options.Name, ln.Addr(), err)
	}
	r.listener = ln

	r.logger.Info("listening", zap.Stringer("address", local))

	r.wg.Add(1)
	go r.acceptLoop(ln)

	return local, nil
}

// acceptor goroutine
func (r *Reactor) acceptLoop(ln net.Listener) {
	defer r.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.inShutdown.Load() || errors.Is(err, net.ErrClosed) {
				r.logger.Info("acceptor exiting")
				return
			}
			r.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if r.inShutdown.Load() {
			conn.Close()
			continue
		}

		// a backlogged arbiter sheds new connections instead of stalling accept
		err = r.a.Dispatch(
			func() {
				// invoked on arbiter goroutine
				r.adopt(conn)
			},
		)
		if err != nil {
			r.logger.Warn("connection shed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			r.metrics.ConnectionsShed.Inc()
			conn.Close()
		}
	}
}

// arbiter goroutine
func (r *Reactor) newConnection(remote string, dialed bool) *Connection {
	r.nextID++
	c := newConnection(r.nextID, r.options.BufferSize)
	c.remote = remote
	c.dialed = dialed
	c.describe(r.options.Name)
	r.conns[c.id] = c

	r.metrics.Connections.Inc()
	if dialed {
		r.metrics.ConnectionsTotal.WithLabelValues("dialed").Inc()
	} else {
		r.metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	}
	return c
}

// arbiter goroutine
func (r *Reactor) adopt(conn net.Conn) {
	if r.inShutdown.Load() {
		conn.Close()
		return
	}

	c := r.newConnection(conn.RemoteAddr().String(), false)
	r.logger.Info("new connection", zap.String("conn", c.descriptor))

	r.start(c, conn)
	r.updateInterest(c)
}

// Connect opens an outbound connection. The id is usable at once: packets
// queued before the connect completes are sent when it does.
// caller must be on arbiter goroutine
func (r *Reactor) Connect(address netip.AddrPort) (ConnID, error) {
	if r.handler == nil {
		return 0, ErrNoHandler
	}
	if r.inShutdown.Load() {
		return 0, ErrShutdown
	}

	c := r.newConnection(address.String(), true)
	c.connecting = true
	r.logger.Info("connecting", zap.String("conn", c.descriptor))

	r.wg.Add(1)
	go func() {
		// dialer goroutine
		defer r.wg.Done()

		dialer := &net.Dialer{Timeout: r.options.DialTimeout}
		conn, err := dialer.DialContext(r.ctx, "tcp4", address.String())

		perr := r.a.Post(
			func() {
				// invoked on arbiter goroutine
				r.doConnect(c, conn, err)
			},
		)
		if perr != nil && conn != nil {
			conn.Close()
		}
	}()

	return c.id, nil
}

// arbiter goroutine
func (r *Reactor) doConnect(c *Connection, conn net.Conn, err error) {
	if c.destroyed {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		r.metrics.ConnectFailures.Inc()
		r.logger.Warn("connect failed", zap.String("conn", c.descriptor), zap.Error(err))
		r.destroy(c)
		return
	}

	c.connecting = false
	r.logger.Info("connected", zap.String("conn", c.descriptor), zap.Stringer("local", conn.LocalAddr()))

	r.start(c, conn)
	r.updateInterest(c)
}

// arbiter goroutine
func (r *Reactor) start(c *Connection, conn net.Conn) {
	c.conn = conn

	r.wg.Add(2)
	go r.readPump(c)
	go r.writePump(c)
}

// read pump goroutine
func (r *Reactor) readPump(c *Connection) {
	defer r.wg.Done()

	for {
		var n int
		select {
		case n = <-c.readGrant:
		case <-c.quit:
			return
		}

		k, err := c.conn.Read(c.readBuf[:n])
		data := c.readBuf[:k]

		perr := r.a.Post(
			func() {
				// invoked on arbiter goroutine
				r.doRead(c, data, err)
			},
		)
		if perr != nil || err != nil {
			return
		}
	}
}

// write pump goroutine
func (r *Reactor) writePump(c *Connection) {
	defer r.wg.Done()

	for {
		var data []byte
		select {
		case data = <-c.writeGrant:
		case <-c.quit:
			return
		}

		c.conn.SetWriteDeadline(time.Now().Add(r.options.WriteSlice))
		n, err := c.conn.Write(data)
		if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			// socket accepted only part of the slice, not an error
			err = nil
		}

		perr := r.a.Post(
			func() {
				// invoked on arbiter goroutine
				r.doWrite(c, n, err)
			},
		)
		if perr != nil || err != nil {
			return
		}
	}
}

// arbiter goroutine
func (r *Reactor) doRead(c *Connection, data []byte, err error) {
	c.reading = false
	if c.destroyed {
		return
	}

	if len(data) > 0 {
		c.inbound.Write(data)
		r.metrics.BytesIn.Add(float64(len(data)))
	}

	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.logger.Info("read failed", zap.String("conn", c.descriptor), zap.Error(err))
			r.destroy(c)
			return
		}
		if r.options.LogDebug {
			r.logger.Debug("peer closed its side", zap.String("conn", c.descriptor))
		}
		c.closed = true
	}

	for {
		switch c.decoder.Process(c.inbound) {
		case codec.StatusDone:
			p := c.decoder.Get()
			c.decoder.Reset()
			r.metrics.FramesDecoded.WithLabelValues(p.Opcode().String()).Inc()
			if r.options.LogDebug {
				r.logger.Debug("received", zap.String("conn", c.descriptor), zap.Stringer("opcode", p.Opcode()))
			}

			r.handler.Handle(c.id, p)
			if c.destroyed {
				return
			}
			continue
		case codec.StatusError:
			r.metrics.DecodeErrors.Inc()
			r.logger.Warn(
				"decode failed",
				zap.String("conn", c.descriptor),
				zap.Stringer("opcode", c.decoder.Opcode()),
				zap.Error(c.decoder.Err()),
			)
			r.destroy(c)
			return
		}
		break
	}

	r.updateInterest(c)
}

// arbiter goroutine
func (r *Reactor) doWrite(c *Connection, n int, err error) {
	c.writing = false
	if c.destroyed {
		return
	}

	if n > 0 {
		c.outbound.Discard(n)
		r.metrics.BytesOut.Add(float64(n))
	}

	if err != nil {
		r.logger.Info("write failed", zap.String("conn", c.descriptor), zap.Error(err))
		r.destroy(c)
		return
	}

	r.flush(c)
	r.updateInterest(c)
}

// arbiter goroutine
func (r *Reactor) flush(c *Connection) {
	c.flush(
		func(p packet.Packet, reason string, err error) {
			r.metrics.PacketsDropped.WithLabelValues(reason).Inc()
			r.logger.Error(
				"dropping packet",
				zap.String("conn", c.descriptor),
				zap.Stringer("opcode", p.Opcode()),
				zap.String("reason", reason),
				zap.Error(err),
			)
		},
	)
}

// updateInterest grants the pumps whatever the connection can use now and
// closes the connection when it can use nothing.
// arbiter goroutine
func (r *Reactor) updateInterest(c *Connection) {
	if c.destroyed || c.connecting {
		return
	}

	wantRead := !c.closed && c.inbound.Available() > 0
	wantWrite := c.outbound.Len() > 0

	if !wantRead && !wantWrite {
		if !c.reading && !c.writing {
			if r.options.LogDebug {
				r.logger.Debug("no interest left", zap.String("conn", c.descriptor))
			}
			r.destroy(c)
		}
		return
	}

	if wantRead && !c.reading {
		c.reading = true
		c.readGrant <- c.inbound.Available()
	}
	if wantWrite && !c.writing {
		c.writing = true
		c.writeGrant <- c.outbound.Bytes()
	}
}

// Queue appends p to the connection's outbound queue.
// caller must be on arbiter goroutine
func (r *Reactor) Queue(id ConnID, p packet.Packet) error {
	c, found := r.conns[id]
	if !found {
		r.metrics.PacketsDropped.WithLabelValues("unknown_connection").Inc()
		return fmt.Errorf("%w: id=%d, opcode=%s", ErrUnknownConnection, id, p.Opcode())
	}

	if r.options.LogDebug {
		r.logger.Debug("queue", zap.String("conn", c.descriptor), zap.Stringer("opcode", p.Opcode()))
	}

	c.queue = append(c.queue, p)
	r.flush(c)
	r.updateInterest(c)
	return nil
}

// Close tears the connection down; unknown or already closed ids are ignored.
// caller must be on arbiter goroutine
func (r *Reactor) Close(id ConnID) {
	c, found := r.conns[id]
	if !found {
		return
	}
	r.destroy(c)
}

// arbiter goroutine
func (r *Reactor) destroy(c *Connection) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	delete(r.conns, c.id)
	close(c.quit)
	if c.conn != nil {
		c.conn.Close()
	}
	r.metrics.Connections.Dec()

	r.logger.Info(
		"connection closed",
		zap.String("conn", c.descriptor),
		zap.Int("unsentBytes", c.outbound.Len()),
		zap.Int("unsentPackets", len(c.queue)),
	)

	r.handler.Closed(c.id)
}

// Descriptor returns the log label of a live connection.
// caller must be on arbiter goroutine
func (r *Reactor) Descriptor(id ConnID) string {
	c, found := r.conns[id]
	if !found {
		return fmt.Sprintf("[%d]<closed>", id)
	}
	return c.descriptor
}

// Count returns the number of live connections.
// caller must be on arbiter goroutine
func (r *Reactor) Count() int {
	return len(r.conns)
}

// Do runs f on the arbiter goroutine and waits for it.
// any goroutine except the arbiter's own
func (r *Reactor) Do(f func()) error {
	return r.a.Do(f)
}

// Shutdown stops accepting, closes every connection and waits for the pumps.
// Must run before the arbiter is shut down.
func (r *Reactor) Shutdown() {
	if r.inShutdown.Swap(true) {
		return
	}
	r.logger.Info("reactor shutting down")

	r.cancel()
	if r.listener != nil {
		r.listener.Close()
	}

	err := r.a.Do(
		func() {
			// invoked on arbiter goroutine
			for _, c := range r.conns {
				r.destroy(c)
			}
		},
	)
	if err != nil {
		// arbiter is gone, nothing else touches the table
		for _, c := range r.conns {
			c.destroyed = true
			close(c.quit)
			if c.conn != nil {
				c.conn.Close()
			}
		}
	}

	r.wg.Wait()
	r.logger.Info("reactor shut down")
}
