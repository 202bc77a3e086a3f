package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"outreach/internal/domain/outreach"
)

type BindingRepository struct {
	*DB
}

func NewBindingRepository(db *DB) *BindingRepository {
	return &BindingRepository{DB: db}
}

// Get returns the pair's binding. Legacy single-id records are rewritten in
// canonical form on first read; records that cannot be decoded at all are
// reported as absent.
func (r *BindingRepository) Get(ctx context.Context, candidateID, jobID string) (*outreach.ThreadBinding, error) {
	var raw string
	err := r.queryRow(ctx, "binding_get",
		`SELECT binding FROM thread_bindings WHERE candidate_id = ? AND job_id = ?`,
		candidateID, jobID,
	).Scan(&raw)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, outreach.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query thread binding: %w", err)
	}

	b, legacy, err := outreach.DecodeBinding(raw)
	if err != nil {
		r.logger.Warn("ignoring unreadable thread binding",
			"candidate_id", candidateID, "job_id", jobID, "error", err)
		return nil, outreach.ErrNotFound
	}
	if legacy {
		if err := r.Upsert(ctx, candidateID, jobID, b); err != nil {
			r.logger.Warn("legacy thread binding not migrated",
				"candidate_id", candidateID, "job_id", jobID, "error", err)
		} else {
			r.logger.Info("migrated legacy thread binding", "candidate_id", candidateID, "job_id", jobID)
		}
	}
	return &b, nil
}

func (r *BindingRepository) Upsert(ctx context.Context, candidateID, jobID string, b outreach.ThreadBinding) error {
	encoded, err := b.Encode()
	if err != nil {
		return err
	}
	_, err = r.exec(ctx, "binding_upsert",
		`INSERT INTO thread_bindings (candidate_id, job_id, binding, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (candidate_id, job_id) DO UPDATE SET
		   binding = excluded.binding,
		   updated_at = excluded.updated_at`,
		candidateID, jobID, encoded, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save thread binding: %w", err)
	}
	return nil
}
