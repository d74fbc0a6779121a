// Package api exposes the daemon's state over HTTP on the session's unix
// socket. Handlers read engine snapshots and never hold derived state.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/amigochat/amigo/internal/chain"
	"github.com/amigochat/amigo/internal/chat"
)

type errorBody struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError maps domain error types onto HTTP status codes. Validation
// failures are the client's fault; gateway failures are upstream's.
func respondError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var verr *chat.ValidationError
	var txErr *chain.TransactionError
	var readErr *chain.ReadError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &txErr), errors.As(err, &readErr):
		status = http.StatusBadGateway
	}

	if status >= 500 && logger != nil {
		logger.Error("request failed", zap.Error(err))
	}
	respondJSON(w, status, errorBody{Error: err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return chat.NewValidationError("malformed request body: %v", err)
	}
	return nil
}
