package transport

import (
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// networkError is the single error shape for anything that went wrong on
// the wire, whichever hop it happened on.
func networkError(source error, message string, metadata map[string]any) error {
	return core.NewTransientNetworkError(source, message, metadata)
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.ErrorBadInput
	case goerrors.CategoryRateLimit:
		return string(core.ErrorKindRateLimitExceeded)
	case goerrors.CategoryExternal:
		return string(core.ErrorKindTransientNetwork)
	default:
		return core.ErrorInternal
	}
}
