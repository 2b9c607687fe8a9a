package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextClientMsgIDWrapsSkippingZero(t *testing.T) {
	p := newPendingMap()
	p.counter = 2_000_000_000

	id := p.nextClientMsgID()
	require.Equal(t, "1", id)

	id2 := p.nextClientMsgID()
	require.Equal(t, "2", id2)
}

func TestRegisterRemoveResolvesExactlyOnce(t *testing.T) {
	p := newPendingMap()
	resolve, reject := p.register("1", "PROTO_OA_NEW_ORDER_REQ", time.Second)

	entry := p.remove("1")
	require.NotNil(t, entry)
	entry.resolveWith(Result{PayloadName: "PROTO_OA_EXECUTION_EVENT"})

	select {
	case r := <-resolve:
		require.Equal(t, "PROTO_OA_EXECUTION_EVENT", r.PayloadName)
	case <-reject:
		t.Fatal("unexpected rejection")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution")
	}

	// A second remove for the same id must be a no-op.
	require.Nil(t, p.remove("1"))
}

func TestRegisterTimesOutAndRejects(t *testing.T) {
	p := newPendingMap()
	resolve, reject := p.register("1", "PROTO_OA_NEW_ORDER_REQ", 20*time.Millisecond)

	select {
	case <-resolve:
		t.Fatal("unexpected resolution")
	case err := <-reject:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout rejection")
	}

	require.Nil(t, p.remove("1"))
}

func TestRemoveOldestReturnsInsertionOrder(t *testing.T) {
	p := newPendingMap()
	p.register("1", "A", time.Minute)
	p.register("2", "B", time.Minute)
	p.register("3", "C", time.Minute)

	first := p.removeOldest()
	require.Equal(t, "1", first.clientMsgID)

	second := p.removeOldest()
	require.Equal(t, "2", second.clientMsgID)
}

func TestDrainAllRejectsEveryPendingEntry(t *testing.T) {
	p := newPendingMap()
	_, reject1 := p.register("1", "A", time.Minute)
	_, reject2 := p.register("2", "B", time.Minute)

	cause := errors.New("disconnected")
	p.drainAll(cause)

	require.ErrorIs(t, <-reject1, cause)
	require.ErrorIs(t, <-reject2, cause)
	require.Nil(t, p.removeOldest())
}
