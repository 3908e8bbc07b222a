package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMailbox_FIFO(t *testing.T) {
	box := newMailbox()

	assert.True(t, box.push(Event{Type: EventPairing, PairingCode: "a"}))
	assert.True(t, box.push(Event{Type: EventOpen}))
	<-box.signal

	events := box.take()
	assert.Len(t, events, 2)
	assert.Equal(t, EventPairing, events[0].Type)
	assert.Equal(t, EventOpen, events[1].Type)
	assert.Empty(t, box.take())
}

func TestBinding_StopDropsEvents(t *testing.T) {
	b := newBinding("USER_1", "1")
	b.deliver(Event{Type: EventOpen})
	b.stop()

	assert.True(t, b.stopped())
	assert.False(t, b.box.push(Event{Type: EventClosed}))
	assert.Empty(t, b.box.take())
	assert.NotPanics(t, b.stop)
}
