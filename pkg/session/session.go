// Package session owns one logical connection to a discovered speaker:
// handshake, keepalive, correlation ids, retry policy and the routing
// of responses and notifications. The transport below is lossy and
// unordered, the correlation id is the sole matching mechanism.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/zoundctl/zoundctl/pkg/core"
	"github.com/zoundctl/zoundctl/pkg/discovery"
	"github.com/zoundctl/zoundctl/pkg/state"
	"github.com/zoundctl/zoundctl/pkg/wire"
)

type State byte

const (
	Connecting State = iota
	Active
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return "unknown"
}

var (
	ErrSessionClosed   = errors.New("session: closed")
	ErrHandshakeFailed = errors.New("session: handshake failed")
	ErrCommandTimeout  = errors.New("session: command timed out")
)

// PacketWriter is the send half of the transport. transport.Conn
// satisfies it, tests substitute an in-memory fake.
type PacketWriter interface {
	WriteTo(b []byte, addr *net.UDPAddr) error
}

// Session fires State values to listeners on every transition.
type Session struct {
	core.Listener

	pk   PacketWriter
	id   *discovery.Identity
	opts Options
	sync *state.Sync

	mu         sync.Mutex
	st         State
	next       uint16
	calls      map[uint16]*Call
	misses     int
	degradedAt time.Time
	closeErr   error

	keepalive *core.Worker
	sweep     *core.Worker
	hs        chan struct{}
}

// Connect returns a session in Connecting and runs the handshake in
// the background. The caller watches transitions via Listen or uses
// Dial to block until Active.
func Connect(pk PacketWriter, id *discovery.Identity, opts Options) *Session {
	opts.setDefaults()

	s := &Session{
		pk:    pk,
		id:    id,
		opts:  opts,
		sync:  state.NewSync(),
		st:    Connecting,
		calls: map[uint16]*Call{},
		hs:    make(chan struct{}),
	}
	s.sweep = core.NewWorker(opts.SweepInterval, s.sweepCalls)

	go s.handshake()

	return s
}

// Dial connects and waits for the handshake to settle.
func Dial(pk PacketWriter, id *discovery.Identity, opts Options) (*Session, error) {
	s := Connect(pk, id, opts)
	<-s.hs
	if s.State() != Active {
		return nil, s.Err()
	}
	return s, nil
}

func (s *Session) Identity() *discovery.Identity {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Err is the close reason, nil while the session lives.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Sync is the device state cache, read-only for consumers.
func (s *Session) Sync() *state.Sync {
	return s.sync
}

// Send encodes a command request, registers it with the tracker and
// transmits it. Multiple calls may be outstanding at once, each with
// its own correlation id and retry clock.
func (s *Session) Send(name string, args ...any) (*Call, error) {
	return s.send(name, false, s.opts.MaxRetries, args...)
}

// Call is Send plus Wait.
func (s *Session) Call(ctx context.Context, name string, args ...any) (wire.Fields, error) {
	c, err := s.Send(name, args...)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx)
}

// Close fails every pending call with ErrSessionClosed and rejects
// further sends. A closed session is not reusable, reconnecting means
// a fresh discovery plus Connect.
func (s *Session) Close() error {
	s.close(ErrSessionClosed)
	return nil
}

// Handle routes one decoded inbound frame. Called by the dispatch
// loop that drains the transport, never by consumers.
func (s *Session) Handle(addr *net.UDPAddr, f *wire.Frame) {
	switch f.Kind {
	case wire.KindResponse:
		s.handleResponse(f)
	case wire.KindNotify:
		s.handleNotify(addr, f)
	}
}

func (s *Session) send(name string, keepalive bool, retries int, args ...any) (*Call, error) {
	f, err := s.opts.Table.Request(name, args...)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.st == Closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	f.ID = s.allocID()
	c := &Call{
		ID:         f.ID,
		Name:       name,
		raw:        f.Marshal(),
		maxRetries: retries,
		timeout:    s.opts.BaseTimeout,
		deadline:   time.Now().Add(s.opts.BaseTimeout),
		keepalive:  keepalive,
		done:       make(chan struct{}),
	}
	s.calls[c.ID] = c
	s.mu.Unlock()

	if err = s.pk.WriteTo(c.raw, s.id.Addr()); err != nil {
		s.mu.Lock()
		delete(s.calls, c.ID)
		s.mu.Unlock()
		return nil, err
	}

	return c, nil
}

// allocID never hands out an id that is still outstanding. Wraps only
// after the full uint16 space, zero is reserved for notifications.
func (s *Session) allocID() uint16 {
	for {
		if s.next++; s.next == 0 {
			s.next = 1
		}
		if _, busy := s.calls[s.next]; !busy {
			return s.next
		}
	}
}

func (s *Session) handshake() {
	defer close(s.hs)

	c, err := s.send("hello", false, s.opts.HandshakeAttempts-1, s.helloArgs()...)
	if err == nil {
		_, err = c.Wait(context.Background())
	}
	if err != nil {
		s.close(fmt.Errorf("%w: %s", ErrHandshakeFailed, err))
		return
	}

	s.setActive()
	s.fetchSnapshot()
}

func (s *Session) helloArgs() []any {
	return []any{s.opts.AdvertiseIP, s.opts.AdvertisePort, s.opts.Token}
}

// fetchSnapshot asks for the full attribute set once the session goes
// Active, so the cache does not wait for the first notification.
func (s *Session) fetchSnapshot() {
	for _, name := range []string{
		"name", "volume", "power", "power_mode", "play_control",
		"play_info", "source", "equalizer", "firmware", "capabilities",
	} {
		_, _ = s.Send(name)
	}
}

func (s *Session) handleResponse(f *wire.Frame) {
	s.mu.Lock()
	c := s.calls[f.ID]
	delete(s.calls, f.ID)
	s.mu.Unlock()

	// stale, duplicate or foreign response: expected under
	// retransmission and UDP duplication, drop without error
	if c == nil {
		return
	}

	cmd, fields, err := s.opts.Table.Decode(f)
	c.fields, c.err = fields, err
	close(c.done)

	s.alive()

	if err == nil && cmd != nil && !c.keepalive && cmd.Name != "hello" && len(fields) > 0 {
		s.sync.Apply(cmd.Name, fields[0])
	}
}

func (s *Session) handleNotify(addr *net.UDPAddr, f *wire.Frame) {
	// ack before decoding, even for opcodes outside the table:
	// the firmware stops pushing without it
	if ack, err := s.opts.Table.Request("notify_ack"); err == nil {
		ack.Type = f.Type
		to := &net.UDPAddr{IP: addr.IP, Port: s.opts.NotifyAckPort}
		_ = s.pk.WriteTo(ack.Marshal(), to)
	}

	cmd, fields, err := s.opts.Table.Decode(f)
	if err != nil || cmd == nil {
		return
	}

	if len(fields) > 0 {
		s.sync.Apply(cmd.Name, fields[0])
	}
}

// sweepCalls retransmits overdue calls with doubled timeouts and fails
// the ones that exhausted their retries.
func (s *Session) sweepCalls() time.Duration {
	now := time.Now()

	s.mu.Lock()
	if s.st == Closed {
		s.mu.Unlock()
		return 0
	}

	var resend []*Call
	var expired []*Call

	for _, c := range s.calls {
		if now.Before(c.deadline) {
			continue
		}
		if c.retries < c.maxRetries {
			c.retries++
			if c.timeout *= 2; c.timeout > s.opts.MaxBackoff {
				c.timeout = s.opts.MaxBackoff
			}
			c.deadline = now.Add(c.timeout)
			resend = append(resend, c)
		} else {
			delete(s.calls, c.ID)
			expired = append(expired, c)
		}
	}
	s.mu.Unlock()

	for _, c := range resend {
		s.mu.Lock()
		pending := s.calls[c.ID] == c
		s.mu.Unlock()

		// a response may land between the snapshot and the write,
		// a resolved call is never retransmitted
		if pending {
			_ = s.pk.WriteTo(c.raw, s.id.Addr())
		}
	}

	for _, c := range expired {
		c.err = ErrCommandTimeout
		close(c.done)
		if c.keepalive {
			s.missed()
		}
	}

	return s.opts.SweepInterval
}

func (s *Session) keepaliveTick() time.Duration {
	s.mu.Lock()
	st := s.st
	degradedAt := s.degradedAt
	s.mu.Unlock()

	switch st {
	case Closed:
		return 0
	case Degraded:
		if time.Since(degradedAt) > s.opts.DegradedDeadline {
			s.close(ErrSessionClosed)
			return 0
		}
	}

	_, _ = s.send("hello", true, 0, s.helloArgs()...)

	return s.opts.KeepaliveInterval
}

func (s *Session) setActive() {
	s.mu.Lock()
	if s.st == Closed {
		s.mu.Unlock()
		return
	}
	prev := s.st
	s.st = Active
	s.misses = 0
	if s.keepalive == nil {
		s.keepalive = core.NewWorker(s.opts.KeepaliveInterval, s.keepaliveTick)
	}
	s.mu.Unlock()

	if prev != Active {
		s.Fire(Active)
	}
}

// alive resets the miss counter on any inbound response. A degraded
// session that hears back recovers to Active.
func (s *Session) alive() {
	s.mu.Lock()
	s.misses = 0
	recovered := s.st == Degraded
	if recovered {
		s.st = Active
	}
	s.mu.Unlock()

	if recovered {
		s.Fire(Active)
	}
}

func (s *Session) missed() {
	s.mu.Lock()
	s.misses++
	degraded := s.st == Active && s.misses >= s.opts.KeepaliveMisses
	if degraded {
		s.st = Degraded
		s.degradedAt = time.Now()
	}
	s.mu.Unlock()

	if degraded {
		s.Fire(Degraded)
	}
}

func (s *Session) close(err error) {
	s.mu.Lock()
	if s.st == Closed {
		s.mu.Unlock()
		return
	}
	s.st = Closed
	s.closeErr = err
	calls := s.calls
	s.calls = map[uint16]*Call{}
	s.mu.Unlock()

	s.keepalive.Stop()
	s.sweep.Stop()

	for _, c := range calls {
		c.err = ErrSessionClosed
		close(c.done)
	}

	s.Fire(Closed)
}
