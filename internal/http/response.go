package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"ledger/internal/calc"
	"ledger/internal/profiles"
	"ledger/internal/services"
	"ledger/internal/storage"
)

const (
	maxBodyBytes = 1 << 16
	defaultLimit = 50
	maxLimit     = 500
)

type errorResponse struct {
	Error    string         `json:"error"`
	Snapshot *calc.Snapshot `json:"snapshot,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var te *calc.TransitionError
	switch {
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, storage.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, calc.ErrAlreadyRunning),
		errors.Is(err, calc.ErrClosed),
		errors.Is(err, services.ErrFeatureMismatch),
		errors.As(err, &te):
		return http.StatusConflict
	case errors.Is(err, profiles.ErrUnknownFeature),
		errors.Is(err, calc.ErrUnknownCommand),
		errors.Is(err, services.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrHistoryDisabled),
		errors.Is(err, services.ErrServiceClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return min(n, maxLimit), nil
}
