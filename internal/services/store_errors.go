package services

import (
	"fmt"

	"github.com/hanko-field/orders/internal/repositories"
)

// storeSentinels names the service errors a repository failure becomes. A nil sentinel leaves
// that kind of failure untranslated.
type storeSentinels struct {
	scope    string
	notFound error
	conflict error
}

var (
	orderStoreErrors     = storeSentinels{scope: "order", notFound: ErrOrderNotFound, conflict: ErrOrderConflict}
	paymentStoreErrors   = storeSentinels{scope: "payment", notFound: ErrPaymentNotFound, conflict: ErrOrderConflict}
	inventoryStoreErrors = storeSentinels{scope: "inventory", notFound: ErrInventoryNotFound}
)

func (s storeSentinels) translate(err error) error {
	if err == nil {
		return nil
	}
	kind, ok := repositories.KindOf(err)
	if !ok {
		return err
	}
	switch kind {
	case repositories.StoreErrorNotFound:
		if s.notFound != nil {
			return fmt.Errorf("%w: %v", s.notFound, err)
		}
	case repositories.StoreErrorConflict:
		if s.conflict != nil {
			return fmt.Errorf("%w: %v", s.conflict, err)
		}
	case repositories.StoreErrorUnavailable:
		return fmt.Errorf("%s: repository unavailable: %w", s.scope, err)
	}
	return err
}
