package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"diaryai/pkg/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps the domain error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRemoteUnavailable):
		writeError(w, http.StatusBadGateway, "remote storage unavailable")
	case errors.Is(err, domain.ErrStreamFailed):
		writeError(w, http.StatusBadGateway, "generation failed")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// parseRange reads from/to query values as RFC 3339 timestamps or bare
// dates. An omitted bound is open.
func parseRange(from, to string) (time.Time, time.Time, error) {
	start := time.Time{}
	end := time.Now().AddDate(100, 0, 0)
	var err error
	if from != "" {
		if start, err = parseTime(from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %q", from)
		}
	}
	if to != "" {
		if end, err = parseTime(to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %q", to)
		}
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("to precedes from")
	}
	return start, end, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
