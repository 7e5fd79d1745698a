package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/whisperlink/internal/registry"
)

const waitFor = 2 * time.Second

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	inbound  chan []byte
	sendErr  error
	refused  bool
	code     int
	reason   string
	shutdown sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Refuse(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refused, c.code, c.reason = true, code, reason
	return nil
}

func (c *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- raw
}

func (c *fakeConn) disconnect() {
	c.shutdown.Do(func() { close(c.inbound) })
}

func (c *fakeConn) frames() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, raw := range c.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) ofType(kind string) []map[string]any {
	var out []map[string]any
	for _, f := range c.frames() {
		if f["type"] == kind {
			out = append(out, f)
		}
	}
	return out
}

type countingObserver struct {
	mu        sync.Mutex
	opened    int
	refused   int
	closed    int
	delivered int
	offline   int
	rejected  []string
}

func (o *countingObserver) SessionOpened(string) {
	o.mu.Lock()
	o.opened++
	o.mu.Unlock()
}

func (o *countingObserver) SessionRefused(string) {
	o.mu.Lock()
	o.refused++
	o.mu.Unlock()
}

func (o *countingObserver) SessionClosed(string) {
	o.mu.Lock()
	o.closed++
	o.mu.Unlock()
}

func (o *countingObserver) MessageRelayed(delivered bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if delivered {
		o.delivered++
	} else {
		o.offline++
	}
}

func (o *countingObserver) FrameRejected(reason string) {
	o.mu.Lock()
	o.rejected = append(o.rejected, reason)
	o.mu.Unlock()
}

type harness struct {
	t       *testing.T
	reg     *registry.Registry
	handler *Handler
	ctx     context.Context
	wg      sync.WaitGroup
}

func newHarness(t *testing.T, opts ...Option) *harness {
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, reg: registry.New(), ctx: ctx}
	h.handler = NewHandler(h.reg, opts...)
	t.Cleanup(func() {
		cancel()
		h.wg.Wait()
	})
	return h
}

func (h *harness) connect(identity string) *fakeConn {
	h.t.Helper()
	conn := newFakeConn()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = h.handler.Serve(h.ctx, identity, conn)
	}()
	require.Eventually(h.t, func() bool {
		return len(conn.ofType(TypeUsers)) == 1
	}, waitFor, time.Millisecond, "no presence snapshot for %s", identity)
	return conn
}

func (h *harness) disconnect(identity string, conn *fakeConn) {
	h.t.Helper()
	conn.disconnect()
	require.Eventually(h.t, func() bool {
		return !h.reg.IsTaken(identity)
	}, waitFor, time.Millisecond, "%s was not released", identity)
}

func TestServe_Scenario(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("Alice")
	require.Equal(t, []string{"Alice"}, h.reg.Online())

	welcome := alice.ofType(TypeSystem)
	require.Len(t, welcome, 1)
	assert.Equal(t, "Welcome to the chat, Alice!", welcome[0]["content"])
	assert.NotEmpty(t, welcome[0]["timestamp"])

	bob := h.connect("Bob")
	require.Eventually(t, func() bool { return len(alice.ofType(TypeUserJoined)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "Bob", alice.ofType(TypeUserJoined)[0]["username"])
	assert.Equal(t, []any{"Alice", "Bob"}, bob.ofType(TypeUsers)[0]["users"])
	assert.Empty(t, bob.ofType(TypeUserJoined), "a session never sees its own join")

	bob.push(t, map[string]any{"type": "message", "content": "hi", "receiver": "Alice"})
	require.Eventually(t, func() bool { return len(bob.ofType(TypeMessageSent)) == 1 }, waitFor, time.Millisecond)

	delivered := alice.ofType(TypeMessage)
	require.Len(t, delivered, 1)
	record := delivered[0]["message"].(map[string]any)
	assert.Equal(t, "Bob", record["sender"])
	assert.Equal(t, "Alice", record["receiver"])
	assert.Equal(t, "hi", record["content"])
	assert.Equal(t, true, record["isEncrypted"])
	assert.Equal(t, record["id"], bob.ofType(TypeMessageSent)[0]["message_id"])

	h.disconnect("Bob", bob)
	require.Eventually(t, func() bool { return len(alice.ofType(TypeUserLeft)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "Bob", alice.ofType(TypeUserLeft)[0]["username"])
	assert.Equal(t, []string{"Alice"}, h.reg.Online())

	intruder := newFakeConn()
	err := h.handler.Serve(h.ctx, "Alice", intruder)
	require.ErrorIs(t, err, ErrIdentityTaken)
	assert.True(t, intruder.refused)
	assert.Equal(t, CloseIdentityInUse, intruder.code)
	assert.Equal(t, ReasonIdentityInUse, intruder.reason)
	assert.Empty(t, intruder.frames())
}

func TestServe_ReconnectAfterRelease(t *testing.T) {
	h := newHarness(t)

	first := h.connect("Alice")
	h.disconnect("Alice", first)

	second := h.connect("Alice")
	assert.Equal(t, []any{"Alice"}, second.ofType(TypeUsers)[0]["users"])
}

func TestServe_OfflineReceiverStillRecordedAndAcked(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, WithObserver(obs))

	alice := h.connect("Alice")
	alice.push(t, map[string]any{"type": "message", "content": "are you there?", "receiver": "Carol", "isEncrypted": false})
	require.Eventually(t, func() bool { return len(alice.ofType(TypeMessageSent)) == 1 }, waitFor, time.Millisecond)

	msgs := h.reg.MessagesFor("Carol")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Alice", msgs[0].Sender)
	assert.False(t, msgs[0].IsEncrypted)
	assert.Empty(t, alice.ofType(TypeMessage))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.offline)
	assert.Zero(t, obs.delivered)
}

func TestServe_MalformedFramesKeepSessionOpen(t *testing.T) {
	obs := &countingObserver{}
	h := newHarness(t, WithObserver(obs))

	alice := h.connect("Alice")
	alice.inbound <- []byte("not json")
	alice.inbound <- []byte(`{"content":"no type"}`)
	alice.push(t, map[string]any{"type": "message", "receiver": "Bob"})
	alice.push(t, map[string]any{"type": "message", "content": "no receiver"})
	alice.push(t, map[string]any{"type": "typing"})
	alice.push(t, map[string]any{"type": "ping"})

	require.Eventually(t, func() bool { return len(alice.ofType(TypePong)) == 1 }, waitFor, time.Millisecond)
	assert.True(t, h.reg.IsTaken("Alice"))
	assert.Zero(t, h.reg.TranscriptLen())
	assert.Empty(t, alice.ofType(TypeMessageSent))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"undecodable", "undecodable", "invalid_message", "invalid_message"}, obs.rejected)
}

func TestServe_PingPong(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return fixed }))

	alice := h.connect("Alice")
	alice.push(t, map[string]any{"type": "ping"})
	require.Eventually(t, func() bool { return len(alice.ofType(TypePong)) == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, "2024-05-01T12:00:00Z", alice.ofType(TypePong)[0]["timestamp"])
}

func TestServe_JoinAndLeaveCounts(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("Alice")
	bob := h.connect("Bob")
	carol := h.connect("Carol")

	require.Eventually(t, func() bool { return len(alice.ofType(TypeUserJoined)) == 2 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(bob.ofType(TypeUserJoined)) == 1 }, waitFor, time.Millisecond)

	h.disconnect("Carol", carol)
	require.Eventually(t, func() bool {
		return len(alice.ofType(TypeUserLeft)) == 1 && len(bob.ofType(TypeUserLeft)) == 1
	}, waitFor, time.Millisecond)
	assert.Empty(t, carol.ofType(TypeUserLeft))
	assert.Equal(t, "Carol", bob.ofType(TypeUserLeft)[0]["username"])
}

func TestServe_DeliveryFailureDoesNotAffectSender(t *testing.T) {
	h := newHarness(t)

	alice := h.connect("Alice")
	bob := h.connect("Bob")
	bob.mu.Lock()
	bob.sendErr = errors.New("queue full")
	bob.mu.Unlock()

	alice.push(t, map[string]any{"type": "message", "content": "hello", "receiver": "Bob"})
	require.Eventually(t, func() bool { return len(alice.ofType(TypeMessageSent)) == 1 }, waitFor, time.Millisecond)
	assert.True(t, h.reg.IsTaken("Bob"))
	assert.Len(t, h.reg.MessagesFor("Bob"), 1)
}

func TestServe_ContextCancellationReleases(t *testing.T) {
	reg := registry.New()
	handler := NewHandler(reg)
	ctx, cancel := context.WithCancel(context.Background())

	conn := newFakeConn()
	done := make(chan error, 1)
	go func() { done <- handler.Serve(ctx, "Alice", conn) }()
	require.Eventually(t, func() bool { return reg.IsTaken("Alice") }, waitFor, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after cancellation")
	}
	assert.False(t, reg.IsTaken("Alice"))
}

func TestServe_ConcurrentHandshakesSameIdentity(t *testing.T) {
	reg := registry.New()
	handler := NewHandler(reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const attempts = 16
	conns := make([]*fakeConn, attempts)
	results := make(chan error, attempts)
	for i := range conns {
		conns[i] = newFakeConn()
		go func(c *fakeConn) { results <- handler.Serve(ctx, "Alice", c) }(conns[i])
	}

	for i := 0; i < attempts-1; i++ {
		select {
		case err := <-results:
			require.ErrorIs(t, err, ErrIdentityTaken)
		case <-time.After(waitFor):
			t.Fatal("expected refusals did not arrive")
		}
	}
	require.Equal(t, []string{"Alice"}, reg.Online())

	refused := 0
	for _, c := range conns {
		c.mu.Lock()
		if c.refused {
			refused++
		}
		c.mu.Unlock()
	}
	assert.Equal(t, attempts-1, refused)
}

// panickingConn behaves like a fakeConn until its first inbound frame, then
// panics inside Receive.
type panickingConn struct {
	*fakeConn
}

func (c panickingConn) Receive(ctx context.Context) ([]byte, error) {
	if _, err := c.fakeConn.Receive(ctx); err != nil {
		return nil, err
	}
	panic("transport exploded")
}

func TestServe_PanicClosesSessionCleanly(t *testing.T) {
	h := newHarness(t)
	bob := h.connect("Bob")

	conn := panickingConn{newFakeConn()}
	done := make(chan error, 1)
	go func() { done <- h.handler.Serve(h.ctx, "Alice", conn) }()
	require.Eventually(t, func() bool { return len(conn.ofType(TypeUsers)) == 1 }, waitFor, time.Millisecond)

	conn.push(t, map[string]any{"type": "ping"})
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionPanic)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after panic")
	}

	assert.False(t, h.reg.IsTaken("Alice"))
	assert.True(t, h.reg.IsTaken("Bob"))
	require.Eventually(t, func() bool {
		for _, f := range bob.ofType(TypeUserLeft) {
			if f["username"] == "Alice" {
				return true
			}
		}
		return false
	}, waitFor, time.Millisecond)
}

// earlyConn lets a test act at the moment the first frame is sent to it.
type earlyConn struct {
	*fakeConn
	fired   atomic.Bool
	onFirst func()
}

func (c *earlyConn) Send(frame []byte) error {
	if c.fired.CompareAndSwap(false, true) {
		c.onFirst()
	}
	return c.fakeConn.Send(frame)
}

func TestServe_IdentityReachableBeforeWelcome(t *testing.T) {
	h := newHarness(t)
	bob := h.connect("Bob")

	var takenAtWelcome bool
	var pushed bool
	conn := &earlyConn{fakeConn: newFakeConn()}
	conn.onFirst = func() {
		takenAtWelcome = h.reg.IsTaken("Alice")
		if frame, err := Joined("Carol", time.Now()); err == nil {
			pushed = h.reg.SendTo("Alice", frame)
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = h.handler.Serve(h.ctx, "Alice", conn)
	}()
	require.Eventually(t, func() bool { return len(conn.ofType(TypeUsers)) == 1 }, waitFor, time.Millisecond)

	assert.True(t, takenAtWelcome, "identity is bound before the welcome goes out")
	assert.True(t, pushed, "other sessions can already reach the new one")
	frames := conn.frames()
	require.GreaterOrEqual(t, len(frames), 3)
	assert.Equal(t, TypeUserJoined, frames[0]["type"], "the early frame lands ahead of the welcome")
	assert.Equal(t, TypeSystem, frames[1]["type"])
	assert.Len(t, bob.ofType(TypeUserJoined), 1)
}
