package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ForceRefreshHeader makes the proxy bypass its cache for one call.
const ForceRefreshHeader = "X-Force-Refresh"

// CacheStatusHeader reports HIT or MISS on proxied responses.
const CacheStatusHeader = "X-Cache"

// maxRequestBytes caps request bodies forwarded upstream.
const maxRequestBytes = 1 << 20

// forwardedHeaders are copied from upstream responses to callers.
var forwardedHeaders = []string{
	"Content-Type",
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset-After",
	"X-RateLimit-Bucket",
	"Retry-After",
}

// Server exposes a Proxy to internal services under /api/*.
type Server struct {
	proxy  *Proxy
	router chi.Router
	server *http.Server
}

// NewServer builds the HTTP surface. healthz may be nil.
func NewServer(p *Proxy, healthz http.HandlerFunc) *Server {
	s := &Server{proxy: p}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if healthz != nil {
		r.Get("/healthz", healthz)
	}
	r.HandleFunc("/api/*", s.handleProxy)
	s.router = r

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Proxy] Server error: %v", err)
		}
	}()

	log.Printf("[Proxy] Listening on %s", addr)
	return nil
}

// Shutdown stops the listener and drops cached responses.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.proxy.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	path := "/" + trimVersion(chi.URLParam(r, "*"))
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if len(data) > 0 {
			body = data
		}
	}

	force, _ := strconv.ParseBool(r.Header.Get(ForceRefreshHeader))

	resp, err := s.proxy.Do(r.Context(), r.Method, path, body, force)
	if err != nil {
		log.Printf("[Proxy] %s %s failed: %v", r.Method, path, err)
		writeError(w, http.StatusBadGateway, "upstream request failed")
		return
	}

	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if resp.FromCache {
		w.Header().Set(CacheStatusHeader, "HIT")
	} else {
		w.Header().Set(CacheStatusHeader, "MISS")
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

// trimVersion drops a leading "vN/" segment; the upstream base URL carries
// the API version.
func trimVersion(path string) string {
	first, rest, found := strings.Cut(path, "/")
	if len(first) > 1 && first[0] == 'v' {
		if _, err := strconv.Atoi(first[1:]); err == nil {
			if found {
				return rest
			}
			return ""
		}
	}
	return path
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
