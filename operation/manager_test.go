package operation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestSingleOperationManager(t *testing.T) {
	ctx := context.Background()
	som := SingleOperationManager{}

	t.Run("nested operation does not cancel parent", func(t *testing.T) {
		ctx1, close1 := som.New(ctx)
		defer close1()
		_, close2 := som.New(ctx1)
		defer close2()
		test.That(t, ctx1.Err(), test.ShouldBeNil)
	})

	t.Run("a new operation cancels one running elsewhere", func(t *testing.T) {
		var waitErr error
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			waitErr = som.WaitForSuccess(context.Background(), time.Millisecond, func(ctx context.Context) (bool, error) {
				return false, nil
			})
		}()

		for !som.OpRunning() {
			time.Sleep(time.Millisecond)
		}

		_, done := som.New(ctx)
		wg.Wait()
		done()
		test.That(t, waitErr, test.ShouldEqual, context.Canceled)
		test.That(t, som.OpRunning(), test.ShouldBeFalse)
	})

	t.Run("WaitForSuccess", func(t *testing.T) {
		count := int64(0)

		err := som.WaitForSuccess(
			ctx,
			time.Millisecond,
			func(ctx context.Context) (bool, error) {
				if atomic.AddInt64(&count, 1) == 5 {
					return true, nil
				}
				return false, nil
			},
		)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, count, test.ShouldEqual, int64(5))
	})

	t.Run("superseded operation is cancelled and done releases it", func(t *testing.T) {
		ctx1, done1 := som.New(context.Background())
		ctx2, done2 := som.New(context.Background())
		test.That(t, ctx1.Err(), test.ShouldEqual, context.Canceled)
		test.That(t, ctx2.Err(), test.ShouldBeNil)
		done1()
		test.That(t, som.OpRunning(), test.ShouldBeTrue)
		done2()
		test.That(t, som.OpRunning(), test.ShouldBeFalse)
		test.That(t, ctx2.Err(), test.ShouldEqual, context.Canceled)
	})

	t.Run("CancelRunning", func(t *testing.T) {
		ctx1, done1 := som.New(context.Background())
		defer done1()
		// the running operation cannot cancel itself this way
		som.CancelRunning(ctx1)
		test.That(t, ctx1.Err(), test.ShouldBeNil)
		som.CancelRunning(context.Background())
		test.That(t, ctx1.Err(), test.ShouldEqual, context.Canceled)
	})
}
