package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// inline runs posted work immediately.
type inline struct{ posted int }

func (e *inline) Post(fn func()) {
	e.posted++
	fn()
}

func TestFuture_CompleteOnce(t *testing.T) {
	f := New[int]()
	require.False(t, f.IsDone())
	require.True(t, f.Complete(1))
	require.False(t, f.Complete(2))
	require.False(t, f.Fail(errors.New("late")))

	v, err := f.Result()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestFuture_AwaitContext(t *testing.T) {
	f := New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go f.Complete("ok")
	v, err := f.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestFuture_OnCompleteAfterDone(t *testing.T) {
	f := Completed(7)
	exec := &inline{}
	got := 0
	f.OnComplete(exec, func(v int, err error) { got = v })

	require.Equal(t, 7, got)
	require.Equal(t, 1, exec.posted)
}

func TestThen_ChainsAndPropagatesErrors(t *testing.T) {
	exec := &inline{}
	src := New[int]()
	str := Then(src, exec, func(v int, err error) *Future[string] {
		if err != nil {
			return Failed[string](err)
		}
		if v*2 > 10 {
			return Completed("big")
		}
		return Completed("small")
	})

	src.Complete(6)
	v, err := str.Result()
	require.True(t, str.IsDone())
	require.NoError(t, err)
	require.Equal(t, "big", v)

	boom := errors.New("boom")
	failed := Then(Failed[int](boom), exec, func(_ int, err error) *Future[int] {
		if err != nil {
			return Failed[int](err)
		}
		return Completed(1)
	})
	_, err = failed.Result()
	require.ErrorIs(t, err, boom)
}

func TestThen_NilStageCompletesWithZero(t *testing.T) {
	out := Then(Completed(1), nil, func(int, error) *Future[*int] { return nil })
	v, err := out.Result()
	require.True(t, out.IsDone())
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestPending_ReplaceCompletesPrevious(t *testing.T) {
	var p Pending[*int]

	first, displaced := p.Replace("call-1")
	require.Empty(t, displaced)

	second, displaced := p.Replace("call-2")
	require.Equal(t, "call-1", displaced)
	require.True(t, first.IsDone())
	v, _ := first.Result()
	require.Nil(t, v)
	require.False(t, second.IsDone())

	key, ok := p.Key()
	require.True(t, ok)
	require.Equal(t, "call-2", key)
}

func TestPending_ResolveMatchesKey(t *testing.T) {
	var p Pending[bool]
	f, _ := p.Replace("call-1")

	require.False(t, p.Resolve("call-9", true))
	require.False(t, f.IsDone())

	require.True(t, p.Resolve("call-1", true))
	v, _ := f.Result()
	require.True(t, v)

	_, ok := p.Key()
	require.False(t, ok)
	require.False(t, p.Cancel("call-1"))
}
