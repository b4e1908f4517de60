package persistence

import (
	"context"
	"errors"
)

// MultiStore writes every snapshot to all of its stores. Load reads from the
// first one, which main configures as the primary.
type MultiStore struct {
	stores []Store
}

func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

// Save attempts every store even if an earlier one fails.
func (m *MultiStore) Save(ctx context.Context, snap Snapshot) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.Save(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStore) Load(ctx context.Context) (Snapshot, error) {
	if len(m.stores) == 0 {
		return Empty(), nil
	}
	return m.stores[0].Load(ctx)
}
