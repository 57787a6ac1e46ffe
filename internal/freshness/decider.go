// Package freshness decides at startup whether the local entity store must
// be rebuilt from a full snapshot before incremental changes are accepted.
package freshness

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCheckFailed means the store could not be read. Startup must abort:
// assuming "not new" would leave the replica diverged for good.
var ErrCheckFailed = errors.New("freshness check failed")

// Checker is the store's view of its own generation marker.
type Checker interface {
	IsNew(ctx context.Context) (bool, error)
}

// Decider asks the store once and remembers the answer.
type Decider struct {
	store Checker

	once   sync.Once
	needed bool
	err    error
}

func NewDecider(store Checker) *Decider {
	return &Decider{store: store}
}

// IsSyncNeeded reports whether a full resync must be requested. The store
// is queried on the first call only.
func (d *Decider) IsSyncNeeded(ctx context.Context) (bool, error) {
	d.once.Do(func() {
		isNew, err := d.store.IsNew(ctx)
		if err != nil {
			d.err = fmt.Errorf("%w: %w", ErrCheckFailed, err)
			return
		}
		d.needed = isNew
	})
	return d.needed, d.err
}
