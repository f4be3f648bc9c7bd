package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/rollout/internal/model"
)

// DB is the subset of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// ErrNotFound is returned by Get for unknown deployment IDs.
var ErrNotFound = errors.New("deployment not found")

// PostgresStore keeps results in the deployment_results table.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, r *model.DeploymentResult) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal deployment result: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO deployment_results (id, host, artifact, state, success, rolled_back, final_error, started_at, finished_at, result)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Host, r.Artifact, string(r.State), r.Success, r.RolledBack, string(r.FinalError), r.StartedAt, r.FinishedAt, doc,
	)
	if err != nil {
		return fmt.Errorf("insert deployment result %s: %w", r.ID, err)
	}
	return nil
}

// Get loads a recorded result.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.DeploymentResult, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT result FROM deployment_results WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment result %s: %w", id, err)
	}
	var r model.DeploymentResult
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode deployment result %s: %w", id, err)
	}
	return &r, nil
}
