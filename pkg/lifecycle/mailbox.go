package lifecycle

import "sync"

// mailbox is an unbounded FIFO of handle events. Pushing never blocks the transport.
type mailbox struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) push(ev Event) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.events = append(b.events, ev)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return true
}

func (b *mailbox) take() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

func (b *mailbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.events = nil
}

// binding ties one transport handle to the session it was created for. Events of a
// binding that is no longer the session's current one are dropped.
type binding struct {
	key      string
	identity string
	handle   Handle
	box      *mailbox
	done     chan struct{}
	stopOnce sync.Once
}

func newBinding(key, identity string) *binding {
	return &binding{
		key:      key,
		identity: identity,
		box:      newMailbox(),
		done:     make(chan struct{}),
	}
}

func (b *binding) deliver(ev Event) {
	b.box.push(ev)
}

func (b *binding) stop() {
	b.stopOnce.Do(func() {
		b.box.close()
		close(b.done)
	})
}

func (b *binding) stopped() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
