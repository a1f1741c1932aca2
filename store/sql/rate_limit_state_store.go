package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-formhooks/core"
	"github.com/goliatone/go-formhooks/ratelimit"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RateLimitStateStore keeps provider throttle state in SQL so that every
// daemon instance backs off together.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*rateLimitStateRecord](db, rateLimitStateHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid rate-limit state repository wiring: %w", err)
		}
	}
	return &RateLimitStateStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.repo == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	key = normalizeRateLimitKey(key)
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}

	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider_id", "=", key.ProviderID),
		repository.SelectBy("bucket_key", "=", key.BucketKey),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return ratelimit.State{}, err
	}
	if len(records) == 0 {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return records[0].toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: rate-limit state store is not configured")
	}
	state.Key = normalizeRateLimitKey(state.Key)
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &rateLimitStateRecord{}
		err := tx.NewSelect().
			Model(record).
			Where("?TableAlias.provider_id = ?", state.Key.ProviderID).
			Where("?TableAlias.bucket_key = ?", state.Key.BucketKey).
			Limit(1).
			Scan(ctx)
		created := false
		if err != nil {
			if !isNoRows(err) {
				return err
			}
			created = true
			record = &rateLimitStateRecord{
				ID:         uuid.NewString(),
				ProviderID: state.Key.ProviderID,
				BucketKey:  state.Key.BucketKey,
				CreatedAt:  state.UpdatedAt.UTC(),
			}
		}
		record.Limit = state.Limit
		record.Remaining = state.Remaining
		record.ResetAt = copyTimePointer(state.ResetAt)
		record.RetryAfterSeconds = durationToSecondsPointer(state.RetryAfter)
		record.ThrottledUntil = copyTimePointer(state.ThrottledUntil)
		record.LastStatus = state.LastStatus
		record.Attempts = state.Attempts
		record.UpdatedAt = state.UpdatedAt.UTC()

		if created {
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

func normalizeRateLimitKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		ProviderID: strings.TrimSpace(strings.ToLower(key.ProviderID)),
		BucketKey:  strings.TrimSpace(strings.ToLower(key.BucketKey)),
	}
}

func validateRateLimitKey(key core.RateLimitKey) error {
	if strings.TrimSpace(key.ProviderID) == "" {
		return fmt.Errorf("sqlstore: rate-limit provider id is required")
	}
	if strings.TrimSpace(key.BucketKey) == "" {
		return fmt.Errorf("sqlstore: rate-limit bucket key is required")
	}
	return nil
}

func durationToSecondsPointer(input *time.Duration) *int {
	if input == nil || *input <= 0 {
		return nil
	}
	seconds := int(input.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return &seconds
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
