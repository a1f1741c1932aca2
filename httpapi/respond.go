package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-formhooks/core"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	writeJSON(w, mapped.Code, envelope(mapped))
}

func envelope(err *goerrors.Error) errorBody {
	return errorBody{Error: errorDetail{
		Message:  err.Message,
		Category: fmt.Sprint(err.Category),
		Code:     err.Code,
		TextCode: err.TextCode,
	}}
}
