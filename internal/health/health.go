// Package health serves the /healthz endpoint used by container probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// ShardReporter exposes per-shard connection state.
type ShardReporter interface {
	States() map[int]string
}

// Server provides HTTP health check endpoints.
type Server struct {
	rdb    *redis.Client
	shards ShardReporter
	server *http.Server
}

// NewServer creates a health server. shards may be nil for processes that
// hold no upstream connections.
func NewServer(rdb *redis.Client, shards ShardReporter) *Server {
	return &Server{
		rdb:    rdb,
		shards: shards,
	}
}

// Start starts the HTTP health check server on addr in the background.
func (h *Server) Start(addr string) error {
	r := chi.NewRouter()
	r.Get("/healthz", h.HandleHealth)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	h.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Health] Server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the health check server.
func (h *Server) Shutdown(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// HandleHealth handles GET /healthz.
// Returns 200 OK if Redis is reachable, 503 Service Unavailable otherwise.
func (h *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := Response{Status: "healthy"}

	if h.shards != nil {
		response.Shards = make(map[string]string)
		ready := 0
		for id, state := range h.shards.States() {
			response.Shards[strconv.Itoa(id)] = state
			if state == "ready" {
				ready++
			}
		}
		if len(response.Shards) > 0 && ready == 0 {
			response.Status = "degraded"
		}
	}

	if err := h.ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Redis = "disconnected"
		response.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response.Redis = "connected"
	writeJSON(w, http.StatusOK, response)
}

func (h *Server) ping(ctx context.Context) error {
	if h.rdb == nil {
		return fmt.Errorf("no redis client configured")
	}
	return h.rdb.Ping(ctx).Err()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// Response is the JSON response structure for health checks.
type Response struct {
	Status string            `json:"status"`
	Redis  string            `json:"redis,omitempty"`
	Shards map[string]string `json:"shards,omitempty"`
	Error  string            `json:"error,omitempty"`
}
