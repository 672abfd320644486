package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/l0p7/proxykit/internal/faults"
)

// errorEnvelope is the JSON body every failed request receives.
type errorEnvelope struct {
	Timestamp     string `json:"timestamp"`
	Status        int    `json:"status"`
	Error         string `json:"error"`
	Message       string `json:"message"`
	Path          string `json:"path"`
	CorrelationID string `json:"correlationId"`
}

// writeError maps a fault to its HTTP shape. Rate-limit rejections carry
// Retry-After; anything without a fault in its chain surfaces as 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	kind := string(faults.KindInternal)
	message := "internal error"

	if fault, ok := faults.AsFault(err); ok {
		status = fault.Status
		kind = string(fault.Kind)
		message = fault.Message
		if fault.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(fault.RetryAfter/time.Second)))
		}
	} else if logger != nil {
		logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}

	writeJSON(w, status, errorEnvelope{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Status:        status,
		Error:         kind,
		Message:       message,
		Path:          r.URL.Path,
		CorrelationID: MetaFrom(r.Context()).CorrelationID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
