package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/harun/wafleet/pkg/pairing"
	"github.com/harun/wafleet/pkg/session"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fakeClock fires due callbacks synchronously from Advance, outside its own lock.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due, remaining []*fakeTimer
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		if !t.at.After(now) {
			t.fired = true
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentText struct {
	to   string
	text string
}

type fakeHandle struct {
	req  ConnectRequest
	sink Sink

	mu       sync.Mutex
	sent     []sentText
	presence []bool
	closed   bool
	sendErr  error
}

func (h *fakeHandle) SendText(_ context.Context, to, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return h.sendErr
	}
	h.sent = append(h.sent, sentText{to: to, text: text})
	return nil
}

func (h *fakeHandle) PairPhone(_ context.Context, phone string) (string, error) {
	return "ABCD-1234", nil
}

func (h *fakeHandle) SetPresence(_ context.Context, available bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, available)
	return nil
}

func (h *fakeHandle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *fakeHandle) emit(ev Event) {
	h.sink(ev)
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) sentMessages() []sentText {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentText(nil), h.sent...)
}

func (h *fakeHandle) lastPresence() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.presence) == 0 {
		return false, false
	}
	return h.presence[len(h.presence)-1], true
}

type fakeTransport struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	failures int
}

func (t *fakeTransport) Connect(_ context.Context, req ConnectRequest, sink Sink) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures > 0 {
		t.failures--
		return nil, errors.New("dial failed")
	}
	h := &fakeHandle{req: req, sink: sink}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *fakeTransport) failNext(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = n
}

func (t *fakeTransport) connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

func (t *fakeTransport) handle(i int) *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[i]
}

func (t *fakeTransport) last() *fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles[len(t.handles)-1]
}

func (t *fakeTransport) all() []*fakeHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeHandle(nil), t.handles...)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	opens    []Session
	messages []*InboundMessage
	calls    []*IncomingCall
}

func (d *fakeDispatcher) HandleOpen(_ context.Context, s Session, _ Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens = append(d.opens, s)
}

func (d *fakeDispatcher) HandleMessage(_ context.Context, _ Session, _ Handle, msg *InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, msg)
}

func (d *fakeDispatcher) HandleCall(_ context.Context, _ Session, _ Handle, call *IncomingCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDispatcher) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opens)
}

func (d *fakeDispatcher) messageIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.messages))
	for _, msg := range d.messages {
		ids = append(ids, msg.ID)
	}
	return ids
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type published struct {
	identity string
	event    string
	data     map[string]interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []published
}

func (n *fakeNotifier) Publish(identity, event string, data map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, published{identity: identity, event: event, data: data})
}

// has reports whether event was published with data[field] == value.
func (n *fakeNotifier) has(event, field string, value interface{}) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.events {
		if p.event == event && p.data[field] == value {
			return true
		}
	}
	return false
}

func (n *fakeNotifier) find(event string) (published, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.events {
		if p.event == event {
			return p, true
		}
	}
	return published{}, false
}

type harness struct {
	m          *Manager
	store      *session.Store
	clock      *fakeClock
	transport  *fakeTransport
	dispatcher *fakeDispatcher
	notifier   *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := newFakeClock()
	store, err := session.NewStore(session.StoreOptions{Dir: t.TempDir(), Now: clock.Now})
	require.NoError(t, err)

	h := &harness{
		store:      store,
		clock:      clock,
		transport:  &fakeTransport{},
		dispatcher: &fakeDispatcher{},
		notifier:   &fakeNotifier{},
	}
	h.m, err = NewManager(Options{
		Store:           store,
		Transport:       h.transport,
		Dispatcher:      h.dispatcher,
		Notifier:        h.notifier,
		Clock:           clock,
		Pairing:         pairing.NewStore(pairing.StoreOptions{Now: clock.Now}),
		WelcomeInterval: time.Millisecond,
		SendTimeout:     time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.m.Shutdown(ctx)
	})
	return h
}

const (
	testIdentity = "6281234567"
	testKey      = "USER_6281234567"
	testOwner    = "6281234567@s.whatsapp.net"
)

// connect starts testIdentity and drives it to open.
func (h *harness) connect(t *testing.T) *fakeHandle {
	t.Helper()

	_, err := h.m.Start(context.Background(), testIdentity, "")
	require.NoError(t, err)
	fh := h.transport.last()
	fh.emit(Event{Type: EventOpen, Owner: testOwner})
	h.waitState(t, StateOpen)
	return fh
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.m.State(testKey) == want
	}, 2*time.Second, 5*time.Millisecond, "state never became %s", want)
}
