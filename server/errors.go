package server

import (
	"encoding/json"
	"errors"
	"net/http"

	assetexchange "github.com/kaifufi/asset-exchange-go"
	"github.com/kaifufi/asset-exchange-go/settlement"
)

const codeInvalidParam = "invalid_param"

var categoryStatus = map[string]int{
	settlement.CategorySignature:     http.StatusBadRequest,
	settlement.CategoryReplay:        http.StatusConflict,
	settlement.CategoryWindow:        http.StatusUnprocessableEntity,
	settlement.CategoryPrice:         http.StatusUnprocessableEntity,
	settlement.CategoryAuthorization: http.StatusForbidden,
	settlement.CategoryConsistency:   http.StatusBadRequest,
	settlement.CategoryConfiguration: http.StatusInternalServerError,
	settlement.CategoryCurrency:      http.StatusPaymentRequired,
	settlement.CategoryBusy:          http.StatusServiceUnavailable,
	settlement.CategoryInternal:      http.StatusInternalServerError,
}

// writeError reports err with the status of its category.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, assetexchange.ErrInvalidParam) {
		writeJSONError(w, http.StatusBadRequest, codeInvalidParam, err.Error())
		return
	}
	category := settlement.Category(err)
	status, ok := categoryStatus[category]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		log.Error("request failed", "category", category, "err", err)
	}
	writeJSONError(w, status, category, err.Error())
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, assetexchange.ErrorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to write response", "err", err)
	}
}
