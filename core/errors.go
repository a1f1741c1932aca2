package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindSignatureInvalid  ErrorKind = "SIGNATURE_INVALID"
	ErrorKindReplayDetected    ErrorKind = "REPLAY_DETECTED"
	ErrorKindRateLimitExceeded ErrorKind = "RATE_LIMIT_EXCEEDED"
	ErrorKindTransientNetwork  ErrorKind = "TRANSIENT_NETWORK_ERROR"
	ErrorKindPermanentProvider ErrorKind = "PERMANENT_PROVIDER_ERROR"
	ErrorKindRetryExhausted    ErrorKind = "RETRY_EXHAUSTED"
)

const (
	ErrorBadInput = "FORMHOOKS_BAD_INPUT"
	ErrorNotFound = "FORMHOOKS_NOT_FOUND"
	ErrorConflict = "FORMHOOKS_CONFLICT"
	ErrorInternal = "FORMHOOKS_INTERNAL_ERROR"
)

func NewSignatureInvalidError(message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "signature verification failed"
	}
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(string(ErrorKindSignatureInvalid))
}

func NewReplayDetectedError(message string) *goerrors.Error {
	if strings.TrimSpace(message) == "" {
		message = "request timestamp outside tolerance"
	}
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(string(ErrorKindReplayDetected))
}

func NewRateLimitExceededError(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(string(ErrorKindRateLimitExceeded))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func NewTransientNetworkError(source error, message string, metadata map[string]any) *goerrors.Error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, goerrors.CategoryExternal)
	} else {
		err = goerrors.Wrap(source, goerrors.CategoryExternal, message)
	}
	err = err.WithCode(http.StatusBadGateway).
		WithTextCode(string(ErrorKindTransientNetwork))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func NewPermanentProviderError(message string, statusCode int, metadata map[string]any) *goerrors.Error {
	code := statusCode
	if code <= 0 {
		code = http.StatusGone
	}
	err := goerrors.New(message, goerrors.CategoryExternal).
		WithCode(code).
		WithTextCode(string(ErrorKindPermanentProvider))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func NewRetryExhaustedError(message string, metadata map[string]any) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryOperation).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(string(ErrorKindRetryExhausted))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

// NewInputError rejects one field of an admin command or query message.
func NewInputError(operation string, field string, message string) *goerrors.Error {
	return goerrors.NewValidation(operation+": validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(ErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// NewUnwiredError reports a handler that was invoked without its collaborator.
func NewUnwiredError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorInternal)
}

// KindOf reports the taxonomy kind carried by err, or ErrorKindNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		switch kind := ErrorKind(strings.TrimSpace(richErr.TextCode)); kind {
		case ErrorKindSignatureInvalid,
			ErrorKindReplayDetected,
			ErrorKindRateLimitExceeded,
			ErrorKindTransientNetwork,
			ErrorKindPermanentProvider,
			ErrorKindRetryExhausted:
			return kind
		}
		if richErr.Category == goerrors.CategoryRateLimit {
			return ErrorKindRateLimitExceeded
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTransientNetwork
	}
	return ErrorKindNone
}

// Classify splits failures into retryable and terminal. Anything not known
// to be permanent is retried.
func Classify(err error) FailureClass {
	switch KindOf(err) {
	case ErrorKindPermanentProvider, ErrorKindSignatureInvalid, ErrorKindReplayDetected:
		return FailurePermanent
	default:
		return FailureTransient
	}
}

// ClassifyStatus marks only "no longer exists" answers permanent. Other 4xx
// answers fail the attempt and are retried; a target that keeps rejecting
// deliveries is disabled by the rolling window instead.
func ClassifyStatus(statusCode int) FailureClass {
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		return FailurePermanent
	default:
		return FailureTransient
	}
}

// ResponseError turns a non-2xx provider response into a classified error.
// It returns nil for 2xx responses.
func ResponseError(operation string, res OutboundResponse) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	metadata := map[string]any{
		"operation":   strings.TrimSpace(operation),
		"status_code": res.StatusCode,
	}
	if body := strings.TrimSpace(string(res.Body)); body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		metadata["response_body"] = body
	}
	message := strings.TrimSpace(operation) + ": provider responded " + http.StatusText(res.StatusCode)
	if res.StatusCode == http.StatusTooManyRequests {
		return NewRateLimitExceededError(message, metadata)
	}
	if ClassifyStatus(res.StatusCode) == FailurePermanent {
		return NewPermanentProviderError(message, res.StatusCode, metadata)
	}
	return NewTransientNetworkError(nil, message, metadata)
}

// StatusCodeOf returns the provider status carried by err, or 0.
func StatusCodeOf(err error) int {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr == nil {
		return 0
	}
	if status, ok := richErr.Metadata["status_code"].(int); ok {
		return status
	}
	return 0
}

// IsGone reports whether the provider said the resource no longer exists.
func IsGone(err error) bool {
	if KindOf(err) != ErrorKindPermanentProvider {
		return false
	}
	switch StatusCodeOf(err) {
	case http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}

func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrSubscriptionNotFound), errors.Is(err, ErrAttemptNotFound):
		return newEnvelopeError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case errors.Is(err, ErrInvalidSubscriptionStatusTransition),
		errors.Is(err, ErrInvalidAttemptStatusTransition),
		errors.Is(err, ErrSubscriptionDisabled):
		return newEnvelopeError(err.Error(), goerrors.CategoryConflict, ErrorConflict)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return newEnvelopeError(err.Error(), goerrors.CategoryNotFound, ErrorNotFound)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"):
		return newEnvelopeError(err.Error(), goerrors.CategoryBadInput, ErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureErrorEnvelope(mapped)
}

func newEnvelopeError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureErrorEnvelope(
		goerrors.New(message, category).
			WithTextCode(textCode),
	)
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = categoryHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryAuth:
		return string(ErrorKindSignatureInvalid)
	case goerrors.CategoryRateLimit:
		return string(ErrorKindRateLimitExceeded)
	case goerrors.CategoryExternal:
		return string(ErrorKindTransientNetwork)
	default:
		return ErrorInternal
	}
}

func categoryHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
