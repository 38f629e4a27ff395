package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/federated-storage/storage-market/internal/order"
	"github.com/federated-storage/storage-market/internal/registry"
	"github.com/federated-storage/storage-market/internal/storage"
)

// RegistryService manages the marketplace parameters
type RegistryService struct {
	store   storage.Store
	metrics *Metrics
}

// NewRegistryService creates a new registry service
func NewRegistryService(store storage.Store, metrics *Metrics) *RegistryService {
	return &RegistryService{store: store, metrics: metrics}
}

// Bootstrap creates the registry if the store has none yet. It reports
// whether a registry was created.
func (s *RegistryService) Bootstrap(ctx context.Context, admin, treasury order.Address, params registry.Params, whitelist []order.Address) (bool, error) {
	created := false
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.Registry(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		reg, err := registry.New(admin, treasury, params, whitelist)
		if err != nil {
			return err
		}
		blob, err := reg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode registry: %w", err)
		}
		created = true
		return tx.PutRegistry(ctx, blob)
	})
	if err != nil {
		return false, err
	}
	if created {
		log.Infow("registry created", "admin", admin, "treasury", treasury)
	}
	return created, nil
}

// Get returns the current registry.
func (s *RegistryService) Get(ctx context.Context) (*registry.Registry, error) {
	blob, err := s.store.Registry(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRegistry
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return registry.Decode(blob)
}

// UpdateAdmin hands the registry over to a new admin.
func (s *RegistryService) UpdateAdmin(ctx context.Context, caller, admin order.Address) error {
	return s.update(ctx, "update_admin", func(r *registry.Registry) error {
		return r.UpdateAdmin(caller, admin)
	})
}

// UpdateTreasury changes the treasury of future orders.
func (s *RegistryService) UpdateTreasury(ctx context.Context, caller, treasury order.Address) error {
	return s.update(ctx, "update_treasury", func(r *registry.Registry) error {
		return r.UpdateTreasury(caller, treasury)
	})
}

// SetParam changes one parameter of future orders.
func (s *RegistryService) SetParam(ctx context.Context, caller order.Address, key registry.ParamKey, value uint64) error {
	return s.update(ctx, "set_param", func(r *registry.Registry) error {
		return r.SetParam(caller, key, value)
	})
}

// AddToWhitelist exempts provider from proof checks in future orders.
func (s *RegistryService) AddToWhitelist(ctx context.Context, caller, provider order.Address) error {
	return s.update(ctx, "whitelist_add", func(r *registry.Registry) error {
		return r.AddToWhitelist(caller, provider)
	})
}

// RemoveFromWhitelist drops provider from the whitelist of future orders.
func (s *RegistryService) RemoveFromWhitelist(ctx context.Context, caller, provider order.Address) error {
	return s.update(ctx, "whitelist_remove", func(r *registry.Registry) error {
		return r.RemoveFromWhitelist(caller, provider)
	})
}

func (s *RegistryService) update(ctx context.Context, op string, fn func(*registry.Registry) error) error {
	err := s.store.InTx(ctx, func(tx storage.Tx) error {
		reg, err := loadRegistry(ctx, tx)
		if err != nil {
			return err
		}
		if err := fn(reg); err != nil {
			return err
		}
		blob, err := reg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to encode registry: %w", err)
		}
		return tx.PutRegistry(ctx, blob)
	})
	s.metrics.op(op, err)
	if err != nil {
		log.Debugw("registry update rejected", "op", op, "error", err)
		return err
	}
	log.Infow("registry updated", "op", op)
	return nil
}

func loadRegistry(ctx context.Context, tx storage.Tx) (*registry.Registry, error) {
	blob, err := tx.Registry(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoRegistry
	}
	if err != nil {
		return nil, err
	}
	return registry.Decode(blob)
}
