package state

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
)

// Open builds the store selected by configuration. With
// state.workers_backend=redis, worker records (and therefore reservation)
// live in Redis while everything else stays in the primary backend.
func Open(ctx context.Context, cfg config.StateConfig, redisCfg config.RedisConfig) (core.Store, error) {
	var primary core.Store
	switch cfg.Backend {
	case "memory":
		primary = NewMemoryStore()
	case "sqlite", "":
		s, err := NewSQLiteStore(cfg.Path, WithBusyTimeout(cfg.BusyTimeoutDuration()))
		if err != nil {
			return nil, err
		}
		primary = s
	default:
		return nil, core.ErrValidation(core.CodeInvalidState, fmt.Sprintf("unknown state backend %q", cfg.Backend))
	}

	if cfg.WorkersBackend != "redis" {
		return primary, nil
	}
	workers, err := NewRedisWorkerStore(ctx, RedisOptions{
		Addr:      redisCfg.Addr,
		Password:  redisCfg.Password,
		DB:        redisCfg.DB,
		KeyPrefix: redisCfg.KeyPrefix,
	})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return &splitStore{Store: primary, workers: workers}, nil
}

// splitStore routes worker operations to a separate backend.
type splitStore struct {
	core.Store
	workers *RedisWorkerStore
}

func (s *splitStore) CreateWorker(ctx context.Context, w *core.WorkerInstance) error {
	return s.workers.CreateWorker(ctx, w)
}

func (s *splitStore) GetWorker(ctx context.Context, id string) (*core.WorkerInstance, error) {
	return s.workers.GetWorker(ctx, id)
}

func (s *splitStore) ListWorkers(ctx context.Context, f core.WorkerFilter) ([]*core.WorkerInstance, error) {
	return s.workers.ListWorkers(ctx, f)
}

func (s *splitStore) CompareAndSwapStatus(ctx context.Context, id string, from, to core.WorkerStatus) (bool, error) {
	return s.workers.CompareAndSwapStatus(ctx, id, from, to)
}

func (s *splitStore) SetWorkerStatus(ctx context.Context, id string, status core.WorkerStatus) error {
	return s.workers.SetWorkerStatus(ctx, id, status)
}

func (s *splitStore) SetWorkerPID(ctx context.Context, id string, pid *int) error {
	return s.workers.SetWorkerPID(ctx, id, pid)
}

func (s *splitStore) DeactivateWorker(ctx context.Context, id string) error {
	return s.workers.DeactivateWorker(ctx, id)
}

func (s *splitStore) Close() error {
	werr := s.workers.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return werr
}
