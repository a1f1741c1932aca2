package sqlstore

import (
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// recordHandlers builds repository handlers for records keyed by a string
// id column. With uuidKeys the repository may assign uuids; otherwise the
// id is a caller-owned composite and SetID is ignored.
func recordHandlers[T any](newRecord func() T, idOf func(T) *string, uuidKeys bool) repository.ModelHandlers[T] {
	id := func(record T) string {
		if ptr := idOf(record); ptr != nil {
			return strings.TrimSpace(*ptr)
		}
		return ""
	}
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			if !uuidKeys {
				return uuid.Nil
			}
			return parseUUID(id(record))
		},
		SetID: func(record T, value uuid.UUID) {
			if !uuidKeys {
				return
			}
			if ptr := idOf(record); ptr != nil {
				*ptr = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: id,
	}
}

func subscriptionHandlers() repository.ModelHandlers[*subscriptionRecord] {
	return recordHandlers(
		func() *subscriptionRecord { return &subscriptionRecord{} },
		func(record *subscriptionRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
		true,
	)
}

// Attempt ids are "<subscription>:<fingerprint>".
func attemptHandlers() repository.ModelHandlers[*attemptRecord] {
	return recordHandlers(
		func() *attemptRecord { return &attemptRecord{} },
		func(record *attemptRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
		false,
	)
}

func rateLimitStateHandlers() repository.ModelHandlers[*rateLimitStateRecord] {
	return recordHandlers(
		func() *rateLimitStateRecord { return &rateLimitStateRecord{} },
		func(record *rateLimitStateRecord) *string {
			if record == nil {
				return nil
			}
			return &record.ID
		},
		true,
	)
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}
