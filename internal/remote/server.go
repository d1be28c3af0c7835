package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"daysync/internal/daysync"
)

// maxValueBytes caps the body of a forwarded value.
const maxValueBytes = 4 << 20

const (
	outcomeApplied   = "applied"
	outcomeDiscarded = "discarded"
)

var errInvalidRecord = errors.New("invalid day record")

type putResult struct {
	Outcome string `json:"outcome"`
}

// Server is the reference remote: it keeps the latest value of every
// forwarded key per tenant and serves day records back for reconciliation.
// Day keys are merged last-write-wins, so a stale forward never replaces a
// newer copy.
//
// Routes:
//
//	GET /healthz
//	GET /v1/tenants/{tenant}/days/{date}
//	GET /v1/tenants/{tenant}/keys/{key}
//	PUT /v1/tenants/{tenant}/keys/{key}
type Server struct {
	backend daysync.Backend
	tokens  *TokenManager
	logger  daysync.Logger
	metrics daysync.Metrics
	handler http.Handler

	// mu makes read-compare-write of a day key atomic.
	mu sync.Mutex
}

// NewServer creates a Server storing values in backend. With a nil
// TokenManager every request is accepted.
func NewServer(backend daysync.Backend, tokens *TokenManager, logger daysync.Logger, metrics daysync.Metrics) *Server {
	if metrics == nil {
		metrics = daysync.NopMetrics{}
	}
	s := &Server{backend: backend, tokens: tokens, logger: logger, metrics: metrics}

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/tenants/{tenant}/days/{date}", s.handleGetDay)
	api.HandleFunc("GET /v1/tenants/{tenant}/keys/{key...}", s.handleGetKey)
	api.HandleFunc("PUT /v1/tenants/{tenant}/keys/{key...}", s.handlePutKey)

	var v1 http.Handler = api
	if tokens != nil {
		v1 = tokens.Middleware(api)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	mux.Handle("/v1/", v1)
	s.handler = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleGetDay(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	date := r.PathValue("date")
	if _, ok := daysync.DateFromKey(daysync.DayKey(date)); !ok {
		http.Error(w, "invalid date", http.StatusBadRequest)
		return
	}
	s.writeValue(w, tenant, daysync.DayKey(date))
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	s.writeValue(w, tenant, r.PathValue("key"))
}

func (s *Server) writeValue(w http.ResponseWriter, tenant, key string) {
	value, err := s.backend.Get(storageKey(tenant, key))
	if errors.Is(err, daysync.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("server read failed", "tenant", tenant, "key", key, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.metrics.Inc("server", "read")
	w.Header().Set("Content-Type", "application/json")
	w.Write(value)
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authorize(w, r)
	if !ok {
		return
	}
	key := r.PathValue("key")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "value is not JSON", http.StatusBadRequest)
		return
	}

	outcome, err := s.put(tenant, key, body)
	if err != nil {
		if errors.Is(err, errInvalidRecord) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("server write failed", "tenant", tenant, "key", key, "error", err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.metrics.Inc("server", outcome)
	s.logger.Debug("value received", "tenant", tenant, "key", key, "outcome", outcome)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(putResult{Outcome: outcome})
}

func (s *Server) put(tenant, key string, body []byte) (string, error) {
	sk := storageKey(tenant, key)
	date, isDay := daysync.DateFromKey(key)
	if !isDay {
		return outcomeApplied, s.backend.Put(sk, body)
	}

	var incoming daysync.DayRecord
	if err := json.Unmarshal(body, &incoming); err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidRecord, err)
	}
	if incoming.Date == "" {
		incoming.Date = date
	}
	if incoming.Date != date {
		return "", fmt.Errorf("%w: date %s under key %s", errInvalidRecord, incoming.Date, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, err := s.backend.Get(sk); err == nil {
		var current daysync.DayRecord
		if json.Unmarshal(stored, &current) == nil && !daysync.Wins(incoming, current) {
			return outcomeDiscarded, nil
		}
	}

	canonical, err := json.Marshal(incoming)
	if err != nil {
		return "", err
	}
	return outcomeApplied, s.backend.Put(sk, canonical)
}

// authorize resolves the tenant of the request and checks it against the token.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenant := r.PathValue("tenant")
	if tenant == "" || strings.Contains(tenant, "/") {
		http.Error(w, "invalid tenant", http.StatusBadRequest)
		return "", false
	}
	if s.tokens == nil {
		return tenant, true
	}
	claims, ok := ClaimsFrom(r.Context())
	if !ok || claims.Tenant != tenant {
		http.Error(w, "token does not grant this tenant", http.StatusForbidden)
		return "", false
	}
	return tenant, true
}

func storageKey(tenant, key string) string {
	return tenant + "/" + key
}
