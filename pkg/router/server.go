// Package router implements the front door that assigns users to cells and
// tells clients where their cell lives.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/openfroyo/cellular/pkg/auth"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/registry"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

const (
	maxRequestBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server is the router HTTP service.
type Server struct {
	addr     string
	registry *registry.Registry
	store    stores.Store
	issuer   *auth.Issuer
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	logger   zerolog.Logger
	handler  http.Handler
}

type registerRequest struct {
	Username string `json:"username"`
}

type registerResponse struct {
	Status   string `json:"status"`
	Username string `json:"username"`
	APIKey   string `json:"apikey"`
	Cell     string `json:"cell"`
}

type loginRequest struct {
	Username string `json:"username"`
	APIKey   string `json:"apikey"`
}

type loginResponse struct {
	DNSNameCell string `json:"dns_name_cell"`
	Token       string `json:"token"`
}

type cellEntry struct {
	CellID string `json:"cell_id"`
}

// NewServer creates the router. tel may be nil.
func NewServer(addr string, reg *registry.Registry, store stores.Store, issuer *auth.Issuer, tel *telemetry.Telemetry, logger zerolog.Logger) *Server {
	s := &Server{
		addr:     addr,
		registry: reg,
		store:    store,
		issuer:   issuer,
		logger:   logger.With().Str("component", "router").Logger(),
	}
	if tel != nil {
		s.metrics = tel.Metrics
		s.events = tel.Events
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /cells", s.handleCells)
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /validate", s.handleValidate)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.handler = s.metrics.Middleware("router", mux)
	return s
}

// Handler returns the HTTP handler of the router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves the router until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the router on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Router listening")
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down router: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve router: %w", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeText(w, http.StatusOK, "Cellular router")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCells(w http.ResponseWriter, r *http.Request) {
	cells, err := s.registry.Active(r.Context())
	if err != nil {
		s.internalError(w, "Failed to list cells", err)
		return
	}

	entries := make([]cellEntry, 0, len(cells))
	for _, cell := range cells {
		entries = append(entries, cellEntry{CellID: cell.ID})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := s.registry.RoutingTable(r.Context())
	if err != nil {
		s.internalError(w, "Failed to build routing table", err)
		return
	}
	writeJSON(w, http.StatusOK, routes)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil || req.Username == "" {
		writeText(w, http.StatusBadRequest, "Missing username")
		return
	}
	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, req.Username); err == nil {
		writeText(w, http.StatusConflict, "User already exists")
		return
	} else if !errors.Is(err, stores.ErrNotFound) {
		s.internalError(w, "Failed to look up user", err)
		return
	}

	cell, err := s.registry.AssignCell(ctx)
	if engine.CodeOf(err) == engine.ErrCodeNotFound {
		writeText(w, http.StatusServiceUnavailable, "No cells available")
		return
	}
	if err != nil {
		s.internalError(w, "Failed to assign cell", err)
		return
	}

	apiKey, err := auth.NewAPIKey()
	if err != nil {
		s.internalError(w, "Failed to create api key", err)
		return
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		s.internalError(w, "Failed to hash api key", err)
		return
	}

	user := &stores.User{Username: req.Username, APIKeyHash: hash, CellID: cell.ID}
	if err := s.store.CreateUser(ctx, user); errors.Is(err, stores.ErrAlreadyExists) {
		writeText(w, http.StatusConflict, "User already exists")
		return
	} else if err != nil {
		s.internalError(w, "Failed to create user", err)
		return
	}

	s.metrics.RecordRegistration(cell.ID)
	s.audit(ctx, "user.registered", req.Username, cell.ID)
	_ = s.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeUserRegistered,
		Source:  "router",
		CellID:  cell.ID,
		Message: fmt.Sprintf("User %s assigned to cell %s", req.Username, cell.ID),
	})
	s.logger.Info().Str("username", req.Username).Str("cell_id", cell.ID).Msg("User registered")

	writeJSON(w, http.StatusOK, registerResponse{
		Status:   "Success",
		Username: req.Username,
		APIKey:   apiKey,
		Cell:     cell.ID,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(w, r, &req); err != nil || req.Username == "" {
		s.metrics.RecordLogin(false)
		writeText(w, http.StatusUnauthorized, "Login failed")
		return
	}
	ctx := r.Context()

	user, err := s.store.GetUser(ctx, req.Username)
	if err != nil || !auth.CheckAPIKey(user.APIKeyHash, req.APIKey) {
		if err != nil && !errors.Is(err, stores.ErrNotFound) {
			s.logger.Error().Err(err).Msg("Failed to look up user")
		}
		s.metrics.RecordLogin(false)
		writeText(w, http.StatusUnauthorized, "Login failed")
		return
	}

	dnsName, err := s.registry.Endpoint(ctx, user.CellID)
	if err != nil {
		s.logger.Warn().Err(err).Str("cell_id", user.CellID).Msg("Cell of user has no endpoint")
		writeText(w, http.StatusServiceUnavailable, "Cell unavailable")
		return
	}

	token, err := s.issuer.Issue(user.Username, user.CellID)
	if err != nil {
		s.internalError(w, "Failed to issue token", err)
		return
	}

	s.metrics.RecordLogin(true)
	writeJSON(w, http.StatusOK, loginResponse{DNSNameCell: dnsName, Token: token})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r)
	if err != nil {
		writeText(w, http.StatusUnauthorized, "Unauthorized Access")
		return
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		writeText(w, http.StatusUnauthorized, "Unauthorized Access")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"username": claims.Username,
		"cellid":   claims.Cell,
	})
}

func (s *Server) audit(ctx context.Context, action, actor, target string) {
	entry := &stores.AuditEntry{Action: action, Actor: actor, TargetID: &target}
	if err := s.store.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error().Err(err).Msg(msg)
	writeText(w, http.StatusInternalServerError, msg)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v)
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
