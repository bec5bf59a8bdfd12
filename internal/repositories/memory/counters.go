package memory

import (
	"context"
	"strings"

	"github.com/hanko-field/orders/internal/repositories"
)

type counterRepository struct {
	reg *Registry
}

func (r *counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" || step < 0 {
		return 0, repositories.NewStoreError("counters.next", repositories.StoreErrorInternal, nil)
	}
	if step == 0 {
		step = 1
	}
	defer r.reg.lock(ctx)()
	r.reg.state.counters[id] += step
	return r.reg.state.counters[id], nil
}
