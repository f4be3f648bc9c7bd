// Package history records finished deployments for audit. Recording is best
// effort: a failed write never changes a deployment's outcome.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/rollout/internal/metrics"
	"github.com/edvin/rollout/internal/model"
)

// Store persists deployment results.
type Store interface {
	Record(ctx context.Context, result *model.DeploymentResult) error
}

type namedStore struct {
	name  string
	store Store
}

// MultiStore fans a result out to every configured store.
type MultiStore struct {
	logger zerolog.Logger
	stores []namedStore
}

func NewMultiStore(logger zerolog.Logger) *MultiStore {
	return &MultiStore{logger: logger.With().Str("component", "history").Logger()}
}

// Add registers a store under name, used in logs and metrics.
func (m *MultiStore) Add(name string, s Store) *MultiStore {
	m.stores = append(m.stores, namedStore{name: name, store: s})
	return m
}

// Len returns the number of configured stores.
func (m *MultiStore) Len() int {
	return len(m.stores)
}

// Record writes to all stores, even when one fails, and joins the errors.
func (m *MultiStore) Record(ctx context.Context, result *model.DeploymentResult) error {
	var errs []error
	for _, s := range m.stores {
		if err := s.store.Record(ctx, result); err != nil {
			metrics.HistoryWriteErrors.WithLabelValues(s.name).Inc()
			m.logger.Warn().Err(err).Str("store", s.name).Str("deployment_id", result.ID).Msg("history write failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
