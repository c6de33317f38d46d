package services

import (
	"context"
	"ticket-mint/models"
	"ticket-mint/utils"
)

// Repository is the durable store behind the engine. Commit must apply a
// change atomically.
type Repository interface {
	Commit(ctx context.Context, change models.Change) error
	Load(ctx context.Context) (models.Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

type persister struct {
	repo     Repository
	strategy utils.Strategy
}

func (p persister) commit(ctx context.Context, change models.Change) error {
	if p.repo == nil || change.Empty() {
		return nil
	}
	return p.strategy.Do(ctx, func(ctx context.Context) error {
		return p.repo.Commit(ctx, change)
	})
}
