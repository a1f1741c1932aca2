package query

import (
	"context"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

func TestGetSubscriptionMessage_ValidateReturnsRichError(t *testing.T) {
	err := (GetSubscriptionMessage{}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryValidation || rich.Message != "query: validation failed" {
		t.Fatalf("unexpected envelope: category=%q message=%q", rich.Category, rich.Message)
	}
	if rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected %q text code, got %q", core.ErrorBadInput, rich.TextCode)
	}
	if rich.Code != http.StatusBadRequest {
		t.Fatalf("expected %d code, got %d", http.StatusBadRequest, rich.Code)
	}
	validation := rich.AllValidationErrors()
	if len(validation) == 0 {
		t.Fatalf("expected validation errors in envelope")
	}
	if validation[0].Field != "subscription_id" {
		t.Fatalf("expected subscription_id validation field, got %q", validation[0].Field)
	}
}

func TestListDeliveryAttemptsQuery_NilReaderReturnsRichError(t *testing.T) {
	var q *ListDeliveryAttemptsQuery
	_, err := q.Query(context.Background(), ListDeliveryAttemptsMessage{SubscriptionID: "sub_1"})
	if err == nil {
		t.Fatalf("expected dependency error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryInternal {
		t.Fatalf("expected internal category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorInternal {
		t.Fatalf("expected %q text code, got %q", core.ErrorInternal, rich.TextCode)
	}
	if rich.Code != http.StatusInternalServerError {
		t.Fatalf("expected %d code, got %d", http.StatusInternalServerError, rich.Code)
	}
}

func TestListSubscriptionsMessage_RejectsNegativePaging(t *testing.T) {
	cases := map[string]ListSubscriptionsMessage{
		"limit":  {Filter: core.SubscriptionFilter{Limit: -1}},
		"offset": {Filter: core.SubscriptionFilter{Offset: -5}},
	}
	for field, msg := range cases {
		err := msg.Validate()
		var rich *goerrors.Error
		if !goerrors.As(err, &rich) {
			t.Fatalf("%s: expected go-errors envelope, got %v", field, err)
		}
		validation := rich.AllValidationErrors()
		if len(validation) != 1 || validation[0].Field != field {
			t.Fatalf("%s: unexpected validation errors %+v", field, validation)
		}
	}
}
