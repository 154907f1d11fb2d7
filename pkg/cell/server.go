// Package cell implements the per-cell key-value service.
//
// Every cell serves its own table of items partitioned by username. Requests
// carry a router-issued bearer token and are only accepted when the token is
// bound to this cell.
package cell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openfroyo/cellular/pkg/auth"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

const (
	maxRequestBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Config describes one cell service.
type Config struct {
	CellID    string
	TableName string
	Addr      string
}

// Server is the HTTP front of one cell.
type Server struct {
	cfg     Config
	store   stores.Store
	issuer  *auth.Issuer
	metrics *telemetry.Metrics
	logger  zerolog.Logger
	handler http.Handler
}

type userKey struct{}

type itemRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewServer creates a cell server. metrics may be nil.
func NewServer(cfg Config, store stores.Store, issuer *auth.Issuer, metrics *telemetry.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		issuer:  issuer,
		metrics: metrics,
		logger:  logger.With().Str("component", "cell").Str("cell_id", cfg.CellID).Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /env", s.handleEnv)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("POST /put", s.requireToken(s.handlePut))
	mux.Handle("POST /get", s.requireToken(s.handleGet))
	mux.Handle("POST /delete", s.requireToken(s.handleDelete))
	mux.Handle("GET /validate", s.requireToken(s.handleValidate))
	mux.Handle("POST /validate", s.requireToken(s.handleValidate))

	s.handler = metrics.Middleware("cell", mux)
	return s
}

// Handler returns the HTTP handler of the cell.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves the cell on its configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the cell on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	s.logger.Info().Str("addr", ln.Addr().String()).Str("table", s.cfg.TableName).Msg("Cell listening")
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down cell %s: %w", s.cfg.CellID, err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve cell %s: %w", s.cfg.CellID, err)
	}
}

// requireToken admits requests whose bearer token is valid and bound to this cell.
func (s *Server) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r)
		if err != nil {
			writeText(w, http.StatusUnauthorized, "Unauthorized Access")
			return
		}

		claims, err := s.issuer.Verify(token)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Rejected token")
			writeText(w, http.StatusUnauthorized, "Unauthorized Access")
			return
		}
		if claims.Cell != s.cfg.CellID {
			s.logger.Warn().Str("username", claims.Username).Str("token_cell", claims.Cell).Msg("Token bound to another cell")
			writeText(w, http.StatusForbidden, "Wrong cell")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, claims.Username)))
	})
}

func username(r *http.Request) string {
	name, _ := r.Context().Value(userKey{}).(string)
	return name
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, fmt.Sprintf("Cell %s is serving", s.cfg.CellID))
}

func (s *Server) handleEnv(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, s.cfg.TableName)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "cell_id": s.cfg.CellID})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeItem(w, r)
	if !ok {
		return
	}

	item := &stores.Item{
		CellID:   s.cfg.CellID,
		Username: username(r),
		Key:      req.Key,
		Value:    req.Value,
	}
	if err := s.store.PutItem(r.Context(), item); err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to put item")
		writeText(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeItem(w, r)
	if !ok {
		return
	}

	item, err := s.store.GetItem(r.Context(), s.cfg.CellID, username(r), req.Key)
	if errors.Is(err, stores.ErrNotFound) {
		writeText(w, http.StatusNotFound, "Item not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to get item")
		writeText(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": item.Value})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeItem(w, r)
	if !ok {
		return
	}

	if err := s.store.DeleteItem(r.Context(), s.cfg.CellID, username(r), req.Key); err != nil {
		s.logger.Error().Err(err).Str("key", req.Key).Msg("Failed to delete item")
		writeText(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeText(w, http.StatusOK, "Success")
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"username": username(r),
		"cellid":   s.cfg.CellID,
	})
}

// decodeItem reads an item request, answering 400 itself when it is unusable.
func decodeItem(w http.ResponseWriter, r *http.Request) (itemRequest, bool) {
	var req itemRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeText(w, http.StatusBadRequest, "Invalid JSON body")
		return req, false
	}
	if req.Key == "" {
		writeText(w, http.StatusBadRequest, "Missing key")
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
