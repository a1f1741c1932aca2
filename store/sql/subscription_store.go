package sqlstore

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type SubscriptionStore struct {
	db   *bun.DB
	repo repository.Repository[*subscriptionRecord]
}

func NewSubscriptionStore(db *bun.DB) (*SubscriptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	return &SubscriptionStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, sub core.Subscription) (core.Subscription, error) {
	if s == nil || s.db == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	record := newSubscriptionRecord(sub)
	if record.ID == "" {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription id is required")
	}
	if record.FormID == "" || record.TargetURL == "" {
		return core.Subscription{}, fmt.Errorf("sqlstore: form id and target url are required")
	}
	if strings.TrimSpace(record.Status) == "" {
		record.Status = string(core.SubscriptionStatusActive)
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*subscriptionRecord)(nil)).
			Where("?TableAlias.id = ?", record.ID).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return goerrors.New(
				fmt.Sprintf("sqlstore: subscription %q already exists", record.ID),
				goerrors.CategoryConflict,
			).WithTextCode(core.ErrorConflict)
		}
		_, err = tx.NewInsert().Model(record).Exec(ctx)
		return err
	})
	if err != nil {
		return core.Subscription{}, err
	}
	return record.toDomain(), nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (core.Subscription, error) {
	if s == nil || s.repo == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	id = strings.TrimSpace(id)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", id),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Subscription{}, err
	}
	if len(records) == 0 {
		return core.Subscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	return records[0].toDomain(), nil
}

func (s *SubscriptionStore) List(ctx context.Context, filter core.SubscriptionFilter) ([]core.Subscription, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.OrderBy("created_at ASC"),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.OrderExpr("?TableAlias.id ASC")
		}),
	}
	if formID := strings.TrimSpace(filter.FormID); formID != "" {
		criteria = append(criteria, repository.SelectBy("form_id", "=", formID))
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		criteria = append(criteria, repository.SelectBy("status", "=", status))
	}
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		criteria = append(criteria, repository.SelectPaginate(limit, max(filter.Offset, 0)))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Subscription, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *SubscriptionStore) Update(ctx context.Context, sub core.Subscription) (core.Subscription, error) {
	if s == nil || s.db == nil {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	record := newSubscriptionRecord(sub)
	if record.ID == "" {
		return core.Subscription{}, fmt.Errorf("sqlstore: subscription id is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &subscriptionRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.id = ?", record.ID).
			Limit(1).
			Scan(ctx)
		if err != nil {
			if isNoRows(err) {
				return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, record.ID)
			}
			return err
		}
		record.CreatedAt = existing.CreatedAt
		_, err = tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return core.Subscription{}, err
	}
	return record.toDomain(), nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: subscription store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("sqlstore: subscription id is required")
	}
	res, err := s.db.NewDelete().
		Model((*subscriptionRecord)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	return nil
}

var _ core.SubscriptionStore = (*SubscriptionStore)(nil)
