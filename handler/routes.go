package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health reports 200 while check succeeds and 503 otherwise.
func Health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(healthResponse{Status: "unavailable", Error: err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "ok"})
	}
}

// NewMux wires the chat socket, health probe and metrics endpoint.
func NewMux(chat http.Handler, health http.HandlerFunc, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /chat", chat)
	mux.Handle("GET /healthz", health)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}
