package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coachpo/autotrader/internal/domain/schema"
)

// BalanceFuture is a balance snapshot that becomes available later.
// The first call to Resolve or Fail wins; later calls are ignored.
type BalanceFuture struct {
	once     sync.Once
	done     chan struct{}
	snapshot schema.BalanceSnapshot
	err      error
}

// NewBalanceFuture returns an unresolved future.
func NewBalanceFuture() *BalanceFuture {
	return &BalanceFuture{done: make(chan struct{})}
}

// FailedBalanceFuture returns a future already failed with err.
func FailedBalanceFuture(err error) *BalanceFuture {
	f := NewBalanceFuture()
	f.Fail(err)
	return f
}

// Resolve completes the future with a snapshot. It reports whether this call won.
func (f *BalanceFuture) Resolve(snapshot schema.BalanceSnapshot) bool {
	won := false
	f.once.Do(func() {
		f.snapshot = snapshot.Clone()
		won = true
		close(f.done)
	})
	return won
}

// Fail completes the future with an error. It reports whether this call won.
func (f *BalanceFuture) Fail(err error) bool {
	if err == nil {
		err = errors.New("balance request failed")
	}
	won := false
	f.once.Do(func() {
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the future completes.
func (f *BalanceFuture) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future completes or ctx ends.
func (f *BalanceFuture) Await(ctx context.Context) (schema.BalanceSnapshot, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return schema.BalanceSnapshot{}, f.err
		}
		return f.snapshot.Clone(), nil
	case <-ctx.Done():
		return schema.BalanceSnapshot{}, fmt.Errorf("await balance: %w", ctx.Err())
	}
}
