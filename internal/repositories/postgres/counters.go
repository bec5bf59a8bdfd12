package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/orders/internal/repositories"
)

type counterRepository struct {
	reg *Registry
}

// Next increments counterID by step (1 when zero). The row lock taken by the upsert serialises
// concurrent callers, and inside RunInTx the increment rolls back with the surrounding work.
func (r *counterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" || step < 0 {
		return 0, repositories.NewStoreError("counters.next", repositories.StoreErrorInternal,
			fmt.Errorf("invalid counter %q step %d", counterID, step))
	}
	if step == 0 {
		step = 1
	}
	var next int64
	err := r.reg.db(ctx).QueryRow(ctx, `INSERT INTO counters (id, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET value = counters.value + EXCLUDED.value, updated_at = EXCLUDED.updated_at
		RETURNING value`, id, step, time.Now().UTC()).Scan(&next)
	if err != nil {
		return 0, wrapError("counters.next", err)
	}
	return next, nil
}
