package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPromiseSettlesOnce(t *testing.T) {
	p := NewPromise[int]()
	_, _, ok := p.Future().TryGet()
	require.False(t, ok)

	require.True(t, p.Set(42))
	require.False(t, p.Set(7))
	require.False(t, p.Fail(errors.New("late")))

	v, err := p.Future().Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.True(t, p.IsSet())
}

func TestFailedFuture(t *testing.T) {
	boom := errors.New("boom")
	f := Failed[string](boom)
	_, err, ok := f.TryGet()
	require.True(t, ok)
	require.ErrorIs(t, err, boom)
}

func TestWaitHonoursContext(t *testing.T) {
	p := NewPromise[struct{}]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Future().Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThen(t *testing.T) {
	p := NewPromise[int]()
	got := make(chan int, 1)
	Then(p.Future(), func(v int, err error) {
		require.NoError(t, err)
		got <- v
	})
	p.Set(5)

	select {
	case v := <-got:
		require.Equal(t, 5, v)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}
