package controlbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusBroadcastsToAllSubscribers(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	a := bus.Subscribe()
	b := bus.Subscribe()
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(Signal{Type: Sleep})

	require.Equal(t, Sleep, recv(t, a).Type)
	require.Equal(t, Sleep, recv(t, b).Type)
}

func TestBusCloseSocketsCarriesEndpoints(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(Signal{Type: CloseSockets, Endpoints: []string{"h1:6000", "h2:6001"}})

	sig := recv(t, sub)
	require.Equal(t, CloseSockets, sig.Type)
	require.Equal(t, []string{"h1:6000", "h2:6001"}, sig.Endpoints)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	require.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func recv(t *testing.T, sub Subscriber) Signal {
	t.Helper()
	select {
	case sig := <-sub:
		return sig
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
		return Signal{}
	}
}
