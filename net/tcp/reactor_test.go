package tcp

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Meander-Cloud/go-chatfusion/arbiter"
	"github.com/Meander-Cloud/go-chatfusion/codec"
	"github.com/Meander-Cloud/go-chatfusion/config"
	"github.com/Meander-Cloud/go-chatfusion/packet"
)

const waitFor = 5 * time.Second

type received struct {
	id ConnID
	p  packet.Packet
}

// recorder runs on the arbiter goroutine and reports to the test goroutine.
type recorder struct {
	packets  chan received
	closed   chan ConnID
	onHandle func(id ConnID, p packet.Packet)
}

func newRecorder() *recorder {
	return &recorder{
		packets: make(chan received, 1024),
		closed:  make(chan ConnID, 64),
	}
}

func (h *recorder) Handle(id ConnID, p packet.Packet) {
	if h.onHandle != nil {
		h.onHandle(id, p)
	}
	h.packets <- received{id: id, p: p}
}

func (h *recorder) Closed(id ConnID) {
	h.closed <- id
}

func (h *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case rx := <-h.packets:
		return rx
	case <-time.After(waitFor):
		t.Fatal("no packet received")
		return received{}
	}
}

func (h *recorder) nextClosed(t *testing.T) ConnID {
	t.Helper()
	select {
	case id := <-h.closed:
		return id
	case <-time.After(waitFor):
		t.Fatal("no connection closed")
		return 0
	}
}

func newTestReactor(t *testing.T, name string, bufferSize int) (*Reactor, *recorder, *Metrics) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	a := arbiter.NewArbiter(&arbiter.Options{
		EventChannelLength: 64,
		LogPrefix:          name,
		Logger:             logger,
	})
	t.Cleanup(a.Shutdown)

	metrics := NewMetrics(prometheus.NewRegistry())
	r, err := NewReactor(
		&Options{
			Name:       name,
			BufferSize: bufferSize,
			WriteSlice: 20 * time.Millisecond,
			LogDebug:   true,
			Logger:     logger,
			Metrics:    metrics,
		},
		a,
	)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)

	h := newRecorder()
	r.SetHandler(h)
	return r, h, metrics
}

func listen(t *testing.T, r *Reactor) netip.AddrPort {
	t.Helper()
	addr, err := r.Listen("127.0.0.1:0")
	require.NoError(t, err)
	return addr
}

func writeFrame(t *testing.T, conn net.Conn, p packet.Packet) {
	t.Helper()
	frame, err := packet.Marshal(p)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

// frameReader decodes packets from a plain socket.
type frameReader struct {
	conn net.Conn
	buf  *codec.Buffer
	dec  codec.PacketDecoder
}

func newFrameReader(conn net.Conn) *frameReader {
	return &frameReader{conn: conn, buf: codec.NewBuffer(config.BufferSize)}
}

func (fr *frameReader) next(t *testing.T) packet.Packet {
	t.Helper()
	require.NoError(t, fr.conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		switch fr.dec.Process(fr.buf) {
		case codec.StatusDone:
			p := fr.dec.Get()
			fr.dec.Reset()
			return p
		case codec.StatusError:
			t.Fatalf("decode failed: %v", fr.dec.Err())
		}
		n, err := fr.conn.Read(fr.buf.Free())
		require.NoError(t, err)
		fr.buf.Commit(n)
	}
}

func TestAcceptDecodeAndReply(t *testing.T) {
	r, h, metrics := newTestReactor(t, "alpha", config.BufferSize)
	h.onHandle = func(id ConnID, p packet.Packet) {
		if login, ok := p.(packet.Login); ok {
			assert.NoError(t, r.Queue(id, packet.LoginAccepted{ServerName: "alpha:" + login.Name}))
		}
	}
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	// one byte per write, the decoder must stitch the frame together
	frame, err := packet.Marshal(packet.Login{Name: "carol"})
	require.NoError(t, err)
	for _, b := range frame {
		_, err = conn.Write([]byte{b})
		require.NoError(t, err)
	}

	rx := h.next(t)
	assert.Equal(t, packet.Login{Name: "carol"}, rx.p)

	fr := newFrameReader(conn)
	assert.Equal(t, packet.LoginAccepted{ServerName: "alpha:carol"}, fr.next(t))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FramesDecoded.WithLabelValues("Login")))
	assert.Equal(t, float64(len(frame)), testutil.ToFloat64(metrics.BytesIn))
}

func TestDecodeErrorClosesConnection(t *testing.T) {
	r, h, metrics := newTestReactor(t, "alpha", config.BufferSize)
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0, 0, 0, 99})
	require.NoError(t, err)

	h.nextClosed(t)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DecodeErrors))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPeerEOFWithNothingToWriteCloses(t *testing.T) {
	r, h, _ := newTestReactor(t, "alpha", config.BufferSize)
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, packet.Login{Name: "carol"})
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	rx := h.next(t)
	assert.Equal(t, rx.id, h.nextClosed(t))

	require.NoError(t, r.Do(func() {
		assert.Equal(t, 0, r.Count())
	}))
}

func TestPendingWritesDrainAfterPeerEOF(t *testing.T) {
	r, h, _ := newTestReactor(t, "alpha", config.BufferSize)
	h.onHandle = func(id ConnID, p packet.Packet) {
		assert.NoError(t, r.Queue(id, packet.LoginRefused{}))
	}
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, packet.Login{Name: "carol"})
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	fr := newFrameReader(conn)
	assert.Equal(t, packet.LoginRefused{}, fr.next(t))
	h.nextClosed(t)
}

func TestConnectQueuesBeforeConnected(t *testing.T) {
	server, serverHandler, _ := newTestReactor(t, "beta", config.BufferSize)
	addr := listen(t, server)

	client, _, metrics := newTestReactor(t, "alpha", config.BufferSize)

	want := packet.FusionJoin{ServerName: "alpha"}
	var connectErr, queueErr error
	require.NoError(t, client.Do(func() {
		var id ConnID
		id, connectErr = client.Connect(addr)
		if connectErr == nil {
			queueErr = client.Queue(id, want)
		}
	}))
	require.NoError(t, connectErr)
	require.NoError(t, queueErr)

	rx := serverHandler.next(t)
	assert.Equal(t, want, rx.p)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectionsTotal.WithLabelValues("dialed")))
}

func TestConnectFailureNotifiesHandler(t *testing.T) {
	// grab a free port and release it so nothing listens there
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	r, h, metrics := newTestReactor(t, "alpha", config.BufferSize)

	var id ConnID
	var connectErr, queueErr error
	require.NoError(t, r.Do(func() {
		id, connectErr = r.Connect(addr)
		if connectErr == nil {
			queueErr = r.Queue(id, packet.FusionJoin{ServerName: "alpha"})
		}
	}))
	require.NoError(t, connectErr)
	require.NoError(t, queueErr)

	assert.Equal(t, id, h.nextClosed(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectFailures))
}

func TestCloseIsIdempotent(t *testing.T) {
	r, h, _ := newTestReactor(t, "alpha", config.BufferSize)
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, packet.Login{Name: "carol"})
	rx := h.next(t)

	require.NoError(t, r.Do(func() {
		r.Close(rx.id)
		r.Close(rx.id)
		r.Close(ConnID(12345))
		assert.ErrorIs(t, r.Queue(rx.id, packet.LoginRefused{}), ErrUnknownConnection)
	}))

	assert.Equal(t, rx.id, h.nextClosed(t))
	select {
	case id := <-h.closed:
		t.Fatalf("closed reported twice for %d", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOversizePacketIsDropped(t *testing.T) {
	r, h, metrics := newTestReactor(t, "alpha", config.MinBufferSize)
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, packet.Login{Name: "carol"})
	rx := h.next(t)

	members := make([]string, 8)
	for i := range members {
		members[i] = strings.Repeat(fmt.Sprint(i), packet.MaxFieldLength)
	}
	huge := packet.FusionAck{
		ServerName: "alpha",
		Address:    netip.MustParseAddrPort("127.0.0.1:7000"),
		Members:    members,
	}
	require.Greater(t, huge.Size(), config.MinBufferSize)

	after := packet.LoginAccepted{ServerName: "alpha"}
	require.NoError(t, r.Do(func() {
		assert.NoError(t, r.Queue(rx.id, huge))
		assert.NoError(t, r.Queue(rx.id, after))
	}))

	fr := newFrameReader(conn)
	assert.Equal(t, after, fr.next(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PacketsDropped.WithLabelValues("oversize")))
}

func TestBackpressureKeepsOrder(t *testing.T) {
	r, h, _ := newTestReactor(t, "alpha", config.MinBufferSize)
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, packet.Login{Name: "carol"})
	rx := h.next(t)

	// far more than the outbound buffer holds
	const count = 300
	text := strings.Repeat("x", 900)
	require.NoError(t, r.Do(func() {
		for i := 0; i < count; i++ {
			assert.NoError(t, r.Queue(rx.id, packet.PublicMessage{
				OriginServer: "alpha",
				Login:        fmt.Sprintf("user%03d", i),
				Text:         text,
			}))
		}
	}))

	// read slowly at first so the writer sees a full socket
	time.Sleep(100 * time.Millisecond)

	fr := newFrameReader(conn)
	for i := 0; i < count; i++ {
		p := fr.next(t)
		msg, ok := p.(packet.PublicMessage)
		require.True(t, ok, "got %T", p)
		require.Equal(t, fmt.Sprintf("user%03d", i), msg.Login)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	r, h, _ := newTestReactor(t, "alpha", config.BufferSize)
	addr := listen(t, r)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	writeFrame(t, conn, packet.Login{Name: "carol"})
	rx := h.next(t)

	r.Shutdown()
	assert.Equal(t, rx.id, h.nextClosed(t))

	_, err = net.DialTimeout("tcp", addr.String(), time.Second)
	assert.Error(t, err)
}

func TestAcceptShedsWhenEventQueueFull(t *testing.T) {
	logger := zaptest.NewLogger(t)
	a := arbiter.NewArbiter(&arbiter.Options{
		EventChannelLength: 1,
		LogPrefix:          "alpha",
		Logger:             logger,
	})
	t.Cleanup(a.Shutdown)

	metrics := NewMetrics(prometheus.NewRegistry())
	r, err := NewReactor(&Options{Name: "alpha", Logger: logger, Metrics: metrics}, a)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)

	h := newRecorder()
	r.SetHandler(h)
	addr := listen(t, r)

	// park the arbiter and occupy its only queue slot
	running := make(chan struct{})
	release := make(chan struct{})
	unpark := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unpark)

	require.NoError(t, a.Post(func() {
		close(running)
		<-release
	}))
	<-running
	require.NoError(t, a.Post(func() {}))

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	unpark()
	require.NoError(t, r.Do(func() {}))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ConnectionsShed))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.Connections))
}
