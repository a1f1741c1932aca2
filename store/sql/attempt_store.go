package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// AttemptStore persists delivery attempts keyed by subscription and payload
// fingerprint. Save is an upsert: every transition overwrites the row.
type AttemptStore struct {
	db   *bun.DB
	repo repository.Repository[*attemptRecord]
}

func NewAttemptStore(db *bun.DB) (*AttemptStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*attemptRecord](db, attemptHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid attempt repository wiring: %w", err)
		}
	}
	return &AttemptStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *AttemptStore) Save(ctx context.Context, attempt core.DeliveryAttempt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: attempt store is not configured")
	}
	if err := attempt.Key.Validate(); err != nil {
		return err
	}
	record := newAttemptRecord(attempt)
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*attemptRecord)(nil)).
			Where("?TableAlias.id = ?", record.ID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			_, err = tx.NewInsert().Model(record).Exec(ctx)
			return err
		}
		_, err = tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
}

func (s *AttemptStore) Get(ctx context.Context, key core.AttemptKey) (core.DeliveryAttempt, error) {
	if s == nil || s.repo == nil {
		return core.DeliveryAttempt{}, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", key.String()),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.DeliveryAttempt{}, err
	}
	if len(records) == 0 {
		return core.DeliveryAttempt{}, fmt.Errorf("%w: %s", core.ErrAttemptNotFound, key)
	}
	return records[0].toDomain(), nil
}

func (s *AttemptStore) ListBySubscription(ctx context.Context, subscriptionID string) ([]core.DeliveryAttempt, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("subscription_id", "=", strings.TrimSpace(subscriptionID)),
		repository.OrderBy("first_attempt_at ASC"),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("?TableAlias.fingerprint ASC")
		}),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeliveryAttempt, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListOpen returns attempts that still have work scheduled, oldest first.
// The daemon feeds them to the retry engine on startup.
func (s *AttemptStore) ListOpen(ctx context.Context) ([]core.DeliveryAttempt, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: attempt store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In([]string{
				string(core.AttemptStatusPending),
				string(core.AttemptStatusInFlight),
			}))
		}),
		repository.OrderBy("scheduled_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.DeliveryAttempt, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

var _ core.AttemptStore = (*AttemptStore)(nil)
