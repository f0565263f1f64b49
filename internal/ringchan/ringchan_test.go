package ringchan_test

import (
	"testing"

	"github.com/heartsync/heartsync/internal/ringchan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDropsOldestWhenFull(t *testing.T) {
	rc := ringchan.New[int](3)

	for i := 1; i <= 5; i++ {
		rc.Send(i)
	}

	// Only the last 3 values survive.
	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	m := rc.GetMetrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
}

func TestTrySendFailsWhenFull(t *testing.T) {
	rc := ringchan.New[string](1)

	require.True(t, rc.TrySend("a"))
	assert.False(t, rc.TrySend("b"))

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestForceSendReportsDrop(t *testing.T) {
	rc := ringchan.New[int](1)

	assert.False(t, rc.ForceSend(1))
	assert.True(t, rc.ForceSend(2))
	assert.Equal(t, 1, rc.Len())
}

func TestCloseSignalsConsumers(t *testing.T) {
	rc := ringchan.New[int](2)
	rc.Send(7)
	rc.Close()

	v, ok := rc.Receive()
	require.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = rc.Receive()
	assert.False(t, ok)
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { ringchan.New[int](0) })
}
