package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hanko-field/orders/internal/repositories"
)

// ErrCounterUnavailable indicates the sequence could not be advanced.
var ErrCounterUnavailable = errors.New("counter: unavailable")

// CounterServiceDeps configures NewCounterService. Location decides which calendar year an
// order number belongs to and defaults to UTC.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
	Clock      func() time.Time
	Prefix     string
	Location   *time.Location
}

// orderNumbers issues "<prefix>-<year>-<seq>" with one sequence per calendar year.
type orderNumbers struct {
	seq    repositories.CounterRepository
	now    func() time.Time
	loc    *time.Location
	prefix string
}

func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	n := &orderNumbers{
		seq:    deps.Repository,
		now:    deps.Clock,
		loc:    deps.Location,
		prefix: strings.ToUpper(strings.TrimSpace(deps.Prefix)),
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.loc == nil {
		n.loc = time.UTC
	}
	if n.prefix == "" {
		n.prefix = "ORD"
	}
	return n, nil
}

// NextOrderNumber returns numbers like ORD-2026-000042. Sequences wider than six digits keep
// growing rather than wrapping.
func (n *orderNumbers) NextOrderNumber(ctx context.Context) (string, error) {
	year := n.now().In(n.loc).Year()
	value, err := n.seq.Next(ctx, fmt.Sprintf("orders:%04d", year), 1)
	if err != nil {
		if kind, _ := repositories.KindOf(err); kind == repositories.StoreErrorUnavailable {
			return "", fmt.Errorf("%w: %v", ErrCounterUnavailable, err)
		}
		return "", err
	}
	return fmt.Sprintf("%s-%04d-%06d", n.prefix, year, value), nil
}
