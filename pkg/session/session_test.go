package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zoundctl/zoundctl/pkg/discovery"
	"github.com/zoundctl/zoundctl/pkg/wire"
)

type sentFrame struct {
	addr  *net.UDPAddr
	frame *wire.Frame
}

// fakeWriter records every frame the session transmits.
type fakeWriter struct {
	mu      sync.Mutex
	sent    []sentFrame
	fail    error
	onWrite func(f *wire.Frame)
}

func (w *fakeWriter) WriteTo(b []byte, addr *net.UDPAddr) error {
	w.mu.Lock()

	if w.fail != nil {
		w.mu.Unlock()
		return w.fail
	}

	f, err := wire.Unmarshal(b)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.sent = append(w.sent, sentFrame{addr: addr, frame: f})
	hook := w.onWrite
	w.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (w *fakeWriter) setOnWrite(hook func(f *wire.Frame)) {
	w.mu.Lock()
	w.onWrite = hook
	w.mu.Unlock()
}

// frames returns every sent frame matching opcode and type.
func (w *fakeWriter) frames(opcode uint16, typ byte) []sentFrame {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []sentFrame
	for _, s := range w.sent {
		if s.frame.Opcode == opcode && s.frame.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (w *fakeWriter) countID(id uint16) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, s := range w.sent {
		if s.frame.ID == id {
			n++
		}
	}
	return n
}

func testIdentity() *discovery.Identity {
	return &discovery.Identity{
		ID:   "0A1B2C3D4E5F",
		Name: "Kitchen",
		IP:   net.IPv4(192, 168, 1, 42),
		Port: 7777,
	}
}

func fastOpts() Options {
	return Options{
		BaseTimeout:       25 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		MaxRetries:        2,
		SweepInterval:     5 * time.Millisecond,
		KeepaliveInterval: time.Hour,
		HandshakeAttempts: 1,
		AdvertiseIP:       "192.168.1.10",
		AdvertisePort:     40000,
		Token:             "tok-1",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// respond feeds the session the device's answer to req.
func respond(s *Session, req *wire.Frame, payload string) {
	f := &wire.Frame{
		Type:   req.Type,
		Opcode: req.Opcode,
		Kind:   wire.KindResponse,
		ID:     req.ID,
	}
	if payload != "" {
		f.Payload = []byte(payload)
	}
	s.Handle(testIdentity().Addr(), f)
}

// dialActive connects and walks the session through a successful
// handshake.
func dialActive(t *testing.T, opts Options) (*Session, *fakeWriter) {
	t.Helper()

	w := &fakeWriter{}
	s := Connect(w, testIdentity(), opts)
	t.Cleanup(func() {
		_ = s.Close()
	})

	waitFor(t, func() bool { return len(w.frames(3, wire.TypeSet)) > 0 })
	respond(s, w.frames(3, wire.TypeSet)[0].frame, "")

	waitFor(t, func() bool { return s.State() == Active })
	return s, w
}

func TestHandshake(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	hello := w.frames(3, wire.TypeSet)[0]
	require.Equal(t, wire.KindRequest, hello.frame.Kind)
	require.NotZero(t, hello.frame.ID)
	require.Equal(t, "192.168.1.10,40000,tok-1", string(hello.frame.Payload))
	require.Equal(t, testIdentity().Addr().String(), hello.addr.String())

	// the snapshot fetch follows the handshake without being asked
	waitFor(t, func() bool { return len(w.frames(64, wire.TypeFetch)) > 0 })
	require.NoError(t, s.Err())
}

func TestHandshakeFailure(t *testing.T) {
	opts := fastOpts()
	opts.HandshakeAttempts = 3

	w := &fakeWriter{}
	_, err := Dial(w, testIdentity(), opts)
	require.ErrorIs(t, err, ErrHandshakeFailed)

	// one initial send plus two retries, then give up
	require.Len(t, w.frames(3, wire.TypeSet), 3)
}

func TestHandshakeWriteError(t *testing.T) {
	w := &fakeWriter{fail: errors.New("network down")}

	s, err := Dial(w, testIdentity(), fastOpts())
	require.ErrorIs(t, err, ErrHandshakeFailed)
	require.Nil(t, s)
}

func TestCallRoundTrip(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	c, err := s.Send("volume", 40)
	require.NoError(t, err)

	waitFor(t, func() bool { return w.countID(c.ID) > 0 })
	req := w.frames(64, wire.TypeSet)[0]
	require.Equal(t, c.ID, req.frame.ID)
	require.Equal(t, "40", string(req.frame.Payload))

	respond(s, req.frame, "40")

	fields, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.Fields{40}, fields)

	// a confirmed set lands in the state cache
	v, ok := s.Sync().Get("volume")
	require.True(t, ok)
	require.Equal(t, 40, v)
}

func TestConcurrentCallsResolveOutOfOrder(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	cv, err := s.Send("volume", 10)
	require.NoError(t, err)
	cn, err := s.Send("name", "Bedroom")
	require.NoError(t, err)
	cp, err := s.Send("power", "00")
	require.NoError(t, err)

	require.NotEqual(t, cv.ID, cn.ID)
	require.NotEqual(t, cn.ID, cp.ID)

	// device answers in reverse order, correlation ids keep the
	// results straight
	respond(s, w.frames(15, wire.TypeSet)[0].frame, "0")
	respond(s, w.frames(90, wire.TypeSet)[0].frame, "Bedroom")
	respond(s, w.frames(64, wire.TypeSet)[0].frame, "10")

	fields, err := cv.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.Fields{10}, fields)

	fields, err = cn.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.Fields{"Bedroom"}, fields)

	fields, err = cp.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.Fields{"00"}, fields)
}

func TestRetryExhaustion(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	c, err := s.Send("volume", 40)
	require.NoError(t, err)

	_, err = c.Wait(context.Background())
	require.ErrorIs(t, err, ErrCommandTimeout)

	// initial send plus MaxRetries retransmissions, nothing after
	require.Equal(t, 3, w.countID(c.ID))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 3, w.countID(c.ID))
}

func TestNoRetransmitAfterResponse(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	c, err := s.Send("volume", 40)
	require.NoError(t, err)

	respond(s, w.frames(64, wire.TypeSet)[0].frame, "40")

	_, err = c.Wait(context.Background())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, w.countID(c.ID))
}

func TestNoRetransmitAfterLateResolve(t *testing.T) {
	opts := fastOpts()
	opts.BaseTimeout = time.Millisecond
	opts.SweepInterval = time.Hour // swept by hand below

	w := &fakeWriter{}
	s := Connect(w, testIdentity(), opts)
	t.Cleanup(func() {
		_ = s.Close()
	})

	waitFor(t, func() bool { return len(w.frames(3, wire.TypeSet)) > 0 })
	respond(s, w.frames(3, wire.TypeSet)[0].frame, "")
	waitFor(t, func() bool { return s.State() == Active })

	ca, err := s.Send("volume", 10)
	require.NoError(t, err)
	cb, err := s.Send("name", "Attic")
	require.NoError(t, err)

	// both responses land while the sweep sits between taking its
	// snapshot and writing the retransmissions
	var once sync.Once
	w.setOnWrite(func(f *wire.Frame) {
		if f.ID != ca.ID && f.ID != cb.ID {
			return
		}
		once.Do(func() {
			respond(s, w.frames(64, wire.TypeSet)[0].frame, "10")
			respond(s, w.frames(90, wire.TypeSet)[0].frame, "Attic")
		})
	})

	time.Sleep(5 * time.Millisecond)
	s.sweepCalls()

	_, err = ca.Wait(context.Background())
	require.NoError(t, err)
	_, err = cb.Wait(context.Background())
	require.NoError(t, err)

	// one initial send each plus the single retransmission that
	// triggered the responses: the other call, already resolved,
	// is not resent
	require.Equal(t, 3, w.countID(ca.ID)+w.countID(cb.ID))
}

func TestRetriesDisabled(t *testing.T) {
	opts := fastOpts()
	opts.MaxRetries = -1

	s, w := dialActive(t, opts)

	c, err := s.Send("volume", 40)
	require.NoError(t, err)

	_, err = c.Wait(context.Background())
	require.ErrorIs(t, err, ErrCommandTimeout)

	// single transmission, no retries
	require.Equal(t, 1, w.countID(c.ID))
}

func TestDuplicateResponseDropped(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	c, err := s.Send("volume", 40)
	require.NoError(t, err)

	req := w.frames(64, wire.TypeSet)[0].frame
	respond(s, req, "40")
	respond(s, req, "99") // duplicated datagram, already resolved

	fields, err := c.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.Fields{40}, fields)

	v, _ := s.Sync().Get("volume")
	require.Equal(t, 40, v)
}

func TestUnknownCorrelationDropped(t *testing.T) {
	s, _ := dialActive(t, fastOpts())

	before := s.Sync().Version()

	s.Handle(testIdentity().Addr(), &wire.Frame{
		Type:    wire.TypeSet,
		Opcode:  64,
		Kind:    wire.KindResponse,
		ID:      0x7777,
		Payload: []byte("50"),
	})

	require.Equal(t, before, s.Sync().Version())
}

func TestClose(t *testing.T) {
	s, _ := dialActive(t, fastOpts())

	var states []State
	var mu sync.Mutex
	s.Listen(func(msg any) {
		mu.Lock()
		states = append(states, msg.(State))
		mu.Unlock()
	})

	c1, err := s.Send("volume", 10)
	require.NoError(t, err)
	c2, err := s.Send("name", "X")
	require.NoError(t, err)
	c3, err := s.Send("power", "02")
	require.NoError(t, err)

	require.NoError(t, s.Close())

	for _, c := range []*Call{c1, c2, c3} {
		_, err = c.Wait(context.Background())
		require.ErrorIs(t, err, ErrSessionClosed)
	}

	_, err = s.Send("volume", 20)
	require.ErrorIs(t, err, ErrSessionClosed)

	require.Equal(t, Closed, s.State())
	mu.Lock()
	require.Equal(t, []State{Closed}, states)
	mu.Unlock()
}

func TestKeepaliveDegradedAndRecovery(t *testing.T) {
	opts := fastOpts()
	opts.BaseTimeout = 10 * time.Millisecond
	opts.KeepaliveInterval = 20 * time.Millisecond
	opts.KeepaliveMisses = 2
	opts.DegradedDeadline = 10 * time.Second

	s, w := dialActive(t, opts)

	var states []State
	var mu sync.Mutex
	s.Listen(func(msg any) {
		mu.Lock()
		states = append(states, msg.(State))
		mu.Unlock()
	})

	// the device goes quiet, keepalives expire, session degrades
	waitFor(t, func() bool { return s.State() == Degraded })

	// answer the next keepalive, session recovers
	answered := map[uint16]bool{}
	waitFor(t, func() bool {
		for _, f := range w.frames(3, wire.TypeSet) {
			if !answered[f.frame.ID] {
				answered[f.frame.ID] = true
				respond(s, f.frame, "")
			}
		}
		return s.State() == Active
	})

	mu.Lock()
	require.Equal(t, []State{Degraded, Active}, states)
	mu.Unlock()
}

func TestDegradedDeadlineCloses(t *testing.T) {
	opts := fastOpts()
	opts.BaseTimeout = 10 * time.Millisecond
	opts.KeepaliveInterval = 10 * time.Millisecond
	opts.KeepaliveMisses = 1
	opts.DegradedDeadline = 30 * time.Millisecond

	s, _ := dialActive(t, opts)

	waitFor(t, func() bool { return s.State() == Closed })
	require.ErrorIs(t, s.Err(), ErrSessionClosed)
}

func TestNotify(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	push := &wire.Frame{
		Type:    wire.TypeFetch,
		Opcode:  64,
		Kind:    wire.KindNotify,
		Payload: []byte("55"),
	}
	s.Handle(testIdentity().Addr(), push)

	v, ok := s.Sync().Get("volume")
	require.True(t, ok)
	require.Equal(t, 55, v)

	// every push is acked on the ack port
	acks := w.frames(2, wire.TypeFetch)
	require.Len(t, acks, 1)
	require.Equal(t, wire.KindRequest, acks[0].frame.Kind)
	require.Equal(t, 3334, acks[0].addr.Port)
	require.Equal(t, testIdentity().IP.String(), acks[0].addr.IP.String())

	// duplicate push: redundant but harmless, acked again
	version := s.Sync().Version()
	s.Handle(testIdentity().Addr(), push)
	require.Equal(t, version+1, s.Sync().Version())
	require.Len(t, w.frames(2, wire.TypeFetch), 2)
}

func TestNotifyUnknownOpcode(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	before := s.Sync().Version()

	// a push from a newer firmware, opcode not in our table
	s.Handle(testIdentity().Addr(), &wire.Frame{
		Type:    wire.TypeFetch,
		Opcode:  452,
		Kind:    wire.KindNotify,
		Payload: []byte("87"),
	})

	// the payload is dropped but the ack still goes out, the
	// firmware stops pushing everything without it
	acks := w.frames(2, wire.TypeFetch)
	require.Len(t, acks, 1)
	require.Equal(t, 3334, acks[0].addr.Port)
	require.Equal(t, before, s.Sync().Version())
}

func TestSendWriteError(t *testing.T) {
	s, w := dialActive(t, fastOpts())

	w.mu.Lock()
	w.fail = errors.New("host unreachable")
	w.mu.Unlock()

	_, err := s.Send("volume", 40)
	require.Error(t, err)

	s.mu.Lock()
	_, registered := s.calls[s.next]
	s.mu.Unlock()
	require.False(t, registered)
}

func TestSendUnknownCommand(t *testing.T) {
	s, _ := dialActive(t, fastOpts())

	_, err := s.Send("bass_boost")
	require.ErrorIs(t, err, wire.ErrUnknownCommand)
}