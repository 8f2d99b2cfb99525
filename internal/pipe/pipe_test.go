package pipe

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DobryySoul/opswarm/internal/crdt"
	"github.com/DobryySoul/opswarm/internal/host"
	"github.com/DobryySoul/opswarm/internal/ops"
)

func newHost(id string) *host.Host {
	return host.New(host.Config{ID: id, ServerPrefix: host.DefaultServerPrefix})
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.KeepAlive = 0
	opts.ReadTimeout = 5 * time.Second
	return opts
}

func connected(h *host.Host, id string) func() bool {
	return func() bool { return slices.Contains(h.Sources(), id) }
}

func disconnected(h *host.Host, id string) func() bool {
	return func() bool { return !slices.Contains(h.Sources(), id) }
}

type result struct {
	err chan error
}

func start(ctx context.Context, p *Pipe, conn Conn, initiator bool) result {
	r := result{err: make(chan error, 1)}
	go func() { r.err <- p.Run(ctx, conn, initiator) }()
	return r
}

func (r result) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.err:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not stop")
		return nil
	}
}

func TestPipeReplicatesBetweenHosts(t *testing.T) {
	ctx := context.Background()
	a := newHost("swarm~a")
	b := newHost("client~b")
	left, right := net.Pipe()
	pa := New(a, testOptions())
	pb := New(b, testOptions())
	ra := start(ctx, pa, left, false)
	rb := start(ctx, pb, right, true)

	require.Eventually(t, connected(a, "client~b"), time.Second, 5*time.Millisecond)
	require.Eventually(t, connected(b, "swarm~a"), time.Second, 5*time.Millisecond)
	assert.Equal(t, "client~b", pa.ID())
	assert.Equal(t, "swarm~a", pb.ID())

	typeid := ops.MustSpec("/Model#m")
	objA, err := a.Get(typeid)
	require.NoError(t, err)
	_, err = crdt.Record{Object: objA}.Set(map[string]any{"x": 1})
	require.NoError(t, err)

	objB, err := b.Get(typeid)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := crdt.Record{Object: objB}.Get("x")
		return ok && v == float64(1)
	}, time.Second, 5*time.Millisecond)

	_, err = crdt.Record{Object: objB}.Set(map[string]any{"x": 2})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := crdt.Record{Object: objA}.Get("x")
		return ok && v == float64(2)
	}, time.Second, 5*time.Millisecond)

	pb.Close()
	assert.NoError(t, rb.wait(t))
	assert.NoError(t, ra.wait(t))
	assert.Eventually(t, disconnected(a, "client~b"), time.Second, 5*time.Millisecond)
	assert.Empty(t, b.Sources())
}

// handshake plays the initiating side by hand and returns a decoder for
// what the pipe sends back.
func handshake(t *testing.T, conn net.Conn, id string) *ops.Decoder {
	t.Helper()
	_, err := conn.Write([]byte("/Host#" + id + "!0000A01+" + id + ".on\t\n"))
	require.NoError(t, err)
	dec := ops.NewDecoder(conn)
	list, err := dec.Decode()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, crdt.OpReOn, list[0].Spec.Op)
	return dec
}

func TestPipeRestrictsAuthor(t *testing.T) {
	a := newHost("swarm~a")
	obj, err := a.Get(ops.MustSpec("/Model#m"))
	require.NoError(t, err)
	rec := crdt.Record{Object: obj}
	opts := testOptions()
	opts.RestrictAuthor = true
	left, right := net.Pipe()
	defer right.Close()
	r := start(context.Background(), New(a, opts), left, false)

	dec := handshake(t, right, "client~b")
	_, err = right.Write([]byte("/Model#m!0000A02+mallory~x.set\t{\"x\":1}\n"))
	require.NoError(t, err)
	list, err := dec.Decode()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, crdt.OpError, list[0].Spec.Op)
	assert.Equal(t, "0000A02+mallory~x", list[0].Spec.Version)
	assert.Empty(t, rec.Fields())

	_, err = right.Write([]byte("/Model#m!0000A03+client~b.set\t{\"x\":1}\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := rec.Get("x")
		return ok
	}, time.Second, 5*time.Millisecond)

	right.Close()
	assert.ErrorIs(t, r.wait(t), ErrConnectionLost)
}

func TestPipeClosesOnFramingError(t *testing.T) {
	a := newHost("swarm~a")
	left, right := net.Pipe()
	defer right.Close()
	var reported atomic.Int32
	opts := testOptions()
	opts.OnError = func(error) { reported.Add(1) }
	r := start(context.Background(), New(a, opts), left, false)

	dec := handshake(t, right, "client~b")
	require.Eventually(t, connected(a, "client~b"), time.Second, 5*time.Millisecond)
	go func() { _, _ = right.Write([]byte("\torphan continuation\n")) }()

	// The peer is still told the link is down before the connection closes.
	var got []ops.Op
	for {
		list, err := dec.Decode()
		if err != nil {
			break
		}
		got = append(got, list...)
	}
	assert.True(t, slices.ContainsFunc(got, func(o ops.Op) bool {
		return o.Spec.Type == host.HostType && o.Spec.Op == crdt.OpOff
	}), "got %v", got)

	assert.ErrorIs(t, r.wait(t), ops.ErrFramingError)
	assert.Eventually(t, disconnected(a, "client~b"), time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), reported.Load())
}

func TestPipeRejectsBadHandshake(t *testing.T) {
	for _, opening := range []string{
		"/Model#m!0000A01+client~b.set\t{}\n",
		"/Host#swarm~a!0000A01+swarm~a.on\t\n",
		"/Host#client~b!0000A01+client~b.reon\t\n",
	} {
		a := newHost("swarm~a")
		left, right := net.Pipe()
		r := start(context.Background(), New(a, testOptions()), left, false)
		go func() {
			_, _ = right.Write([]byte(opening))
			_, _ = bufio.NewReader(right).ReadString('\n')
		}()
		assert.ErrorIs(t, r.wait(t), ErrHandshake, opening)
		assert.Empty(t, a.Sources())
		right.Close()
	}
}

func TestPipeSendsHeartbeats(t *testing.T) {
	a := newHost("swarm~a")
	opts := testOptions()
	opts.KeepAlive = 10 * time.Millisecond
	left, right := net.Pipe()
	defer right.Close()
	start(context.Background(), New(a, opts), left, false)

	_, err := right.Write([]byte("/Host#client~b!0000A01+client~b.on\t\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(right)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "/Host#swarm~a!"))

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\n", line)
}

func TestPipeReadTimeout(t *testing.T) {
	a := newHost("swarm~a")
	opts := testOptions()
	opts.ReadTimeout = 20 * time.Millisecond
	left, right := net.Pipe()
	defer right.Close()
	r := start(context.Background(), New(a, opts), left, false)

	handshake(t, right, "client~b")
	assert.ErrorIs(t, r.wait(t), ErrConnectionLost)
}

func TestDialerReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newHost("swarm~a")
	b := newHost("client~b")

	var attempts atomic.Int32
	servers := make(chan net.Conn, 8)
	dial := func(ctx context.Context) (Conn, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		servers <- server
		go func() { _ = New(a, testOptions()).Run(ctx, server, false) }()
		return client, nil
	}
	d := NewDialer(b, dial, testOptions(), Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 5 * time.Millisecond})
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, connected(b, "swarm~a"), time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	require.NotNil(t, d.Pipe())

	(<-servers).Close()
	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, connected(b, "swarm~a"), time.Second, 5*time.Millisecond)

	d.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dialer did not stop")
	}
}

func TestWebSocketTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := newHost("swarm~a")
	b := newHost("client~b")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			return
		}
		_ = New(a, testOptions()).Run(ctx, conn, false)
	}))
	defer srv.Close()

	conn, err := WebSocket("ws" + strings.TrimPrefix(srv.URL, "http"))(ctx)
	require.NoError(t, err)
	pb := New(b, testOptions())
	rb := start(ctx, pb, conn, true)
	require.Eventually(t, connected(a, "client~b"), time.Second, 5*time.Millisecond)

	text, err := b.Get(ops.MustSpec("/Text#t"))
	require.NoError(t, err)
	select {
	case <-text.Ready():
	case <-time.After(time.Second):
		t.Fatal("text never became ready")
	}
	_, err = crdt.Text{Object: text}.Insert(0, "hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		obj, err := a.Get(ops.MustSpec("/Text#t"))
		if err != nil {
			return false
		}
		defer a.Release(ops.MustSpec("/Text#t"))
		return crdt.Text{Object: obj}.String() == "hi"
	}, time.Second, 5*time.Millisecond)

	pb.Close()
	assert.NoError(t, rb.wait(t))
}

func TestServeAcceptsTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := newHost("swarm~a")
	b := newHost("client~b")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, ln, a, testOptions()) }()

	d := NewDialer(b, TCP(ln.Addr().String()), testOptions(), DefaultBackoff())
	go func() { _ = d.Run(ctx) }()
	require.Eventually(t, connected(a, "client~b"), time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestAdmitChecksPatchEntries(t *testing.T) {
	p := New(newHost("swarm~a"), Options{RestrictAuthor: true})
	patch := ops.Op{
		Spec: ops.MustSpec("/Model#m!0000A02+swarm~a.patch"),
		Patch: []ops.Op{
			{Spec: ops.MustSpec("/Model#m!0000A01+client~b.set"), Value: `{}`},
		},
	}
	assert.NoError(t, p.admit(patch, "client~b"))
	patch.Patch = append(patch.Patch, ops.Op{Spec: ops.MustSpec("/Model#m!0000A02+swarm~a.set"), Value: `{}`})
	assert.ErrorIs(t, p.admit(patch, "client~b"), crdt.ErrAccessViolation)
}
