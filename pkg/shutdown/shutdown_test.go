package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct{ closed bool }

func (c *closer) Close() error { c.closed = true; return nil }

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"store", "sweeper", "http"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "sweeper", "store"}, order)

	// second call is a no-op
	require.NoError(t, m.Shutdown())
	assert.Len(t, order, 3)

	select {
	case <-m.Done():
	default:
		t.Error("Done should be closed after Shutdown")
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")
	ran := false
	m.Register("first", func(context.Context) error { ran = true; return nil })
	m.Register("broken", func(context.Context) error { return boom })

	err := m.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
	assert.True(t, ran, "later steps still run after a failure")
}

func TestWaitWithContextOnTrigger(t *testing.T) {
	m := New(time.Second, nil)
	c := &closer{}
	m.Register("closer", CloseResource(c))

	go m.Trigger()
	require.NoError(t, m.WaitWithContext(context.Background()))
	assert.True(t, c.closed)
}

func TestWaitWithContextOnCancel(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, m.WaitWithContext(ctx))
}

func TestWaitForTimesOut(t *testing.T) {
	var calls atomic.Int32
	fn := WaitFor(func() bool { calls.Add(1); return false }, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, fn(ctx), context.DeadlineExceeded)
	assert.Greater(t, calls.Load(), int32(1))

	ok := WaitFor(func() bool { return true }, time.Millisecond)
	assert.NoError(t, ok(context.Background()))
}
