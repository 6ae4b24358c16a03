package events

import (
	"testing"

	"github.com/openmined/tinifyd/internal/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus[LeaseReclaimed]()
	a, unsubA := bus.Subscribe(1)
	b, unsubB := bus.Subscribe(1)
	defer unsubA()
	defer unsubB()

	ev := LeaseReclaimed{Key: digest.SumString("a.jpg"), Path: "a.jpg"}
	assert.Equal(t, 2, bus.Publish(ev))

	assert.Equal(t, ev, <-a)
	assert.Equal(t, ev, <-b)
}

func TestBus_DropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus[int]()
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	assert.Equal(t, 1, bus.Publish(1))
	assert.Equal(t, 0, bus.Publish(2))
	assert.Equal(t, 1, <-ch)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus[int]()
	ch, unsub := bus.Subscribe(0)

	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Publish(1))
}

func TestBus_Close(t *testing.T) {
	bus := NewBus[int]()
	ch, unsub := bus.Subscribe(0)
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	unsub()

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
}
