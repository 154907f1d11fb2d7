// Package canary runs synthetic health checks against deployed cells.
//
// A check writes a fixed item into the cell's key-value service with a token
// minted for the canary user, so it exercises routing, auth and storage of
// the cell in one request.
package canary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openfroyo/cellular/pkg/auth"
	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/openfroyo/cellular/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Canary request constants.
const (
	// User is the username canary tokens are issued for.
	User = "canary"

	Key   = "canary_test"
	Value = "value"

	// DefaultWait is how long a rollout lets the sandbox settle before its canary.
	DefaultWait = 360 * time.Second

	maxBodySize = 64 << 10
)

// EndpointResolver resolves the DNS name of a cell.
type EndpointResolver interface {
	Endpoint(ctx context.Context, cellID string) (string, error)
}

// Checker performs canary checks and records their results.
type Checker struct {
	endpoints EndpointResolver
	issuer    *auth.Issuer
	store     stores.Store
	client    *http.Client
	script    string
	scripts   *ScriptEvaluator
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
	logger    zerolog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Checker) { c.client = client }
}

// WithScript sets a Starlark assertion evaluated over every response.
func WithScript(script string, timeout time.Duration) Option {
	return func(c *Checker) {
		c.script = script
		c.scripts = NewScriptEvaluator(timeout)
	}
}

// WithTelemetry records metrics, spans and events for every check.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Checker) {
		if tel == nil {
			return
		}
		c.metrics = tel.Metrics
		c.tracer = tel.Tracer
		c.events = tel.Events
	}
}

// NewChecker creates a canary checker.
func NewChecker(endpoints EndpointResolver, issuer *auth.Issuer, store stores.Store, logger zerolog.Logger, opts ...Option) *Checker {
	c := &Checker{
		endpoints: endpoints,
		issuer:    issuer,
		store:     store,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With().Str("component", "canary").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token mints the canary token bound to cellID.
func (c *Checker) Token(cellID string) (string, error) {
	return Token(c.issuer, cellID)
}

// Token mints a token for the canary user bound to cellID.
func Token(issuer *auth.Issuer, cellID string) (string, error) {
	return issuer.Issue(User, cellID)
}

// URL returns the canary target for a cell DNS name.
func URL(dnsName string) string {
	if strings.HasPrefix(dnsName, "http://") || strings.HasPrefix(dnsName, "https://") {
		return strings.TrimRight(dnsName, "/") + "/put"
	}
	return "http://" + dnsName + "/put"
}

// Check runs one canary against a cell. The result is recorded even when
// the check fails; a failed check also returns a CANARY_FAILED error.
func (c *Checker) Check(ctx context.Context, cellID string) (*stores.CanaryResult, error) {
	ctx, span := c.tracer.StartCanarySpan(ctx, cellID)

	start := time.Now()
	status, reason, checkErr := c.probe(ctx, cellID)
	latency := time.Since(start)

	result := &stores.CanaryResult{
		CellID:     cellID,
		Success:    checkErr == nil,
		StatusCode: status,
		Latency:    latency,
		CheckedAt:  time.Now().UTC(),
	}
	if checkErr != nil {
		msg := checkErr.Error()
		result.Error = &msg
		reason = msg
	}

	if err := c.store.RecordCanaryResult(ctx, result); err != nil {
		c.logger.Warn().Err(err).Str("cell_id", cellID).Msg("Failed to record canary result")
	}
	c.metrics.RecordCanaryCheck(cellID, result.Success, latency)
	if err := c.events.PublishCanaryResult(cellID, result.Success, latency, reason); err != nil {
		c.logger.Debug().Err(err).Msg("Canary event dropped")
	}

	telemetry.EndSpan(span, checkErr)

	if checkErr != nil {
		c.logger.Warn().
			Str("cell_id", cellID).
			Int("status", status).
			Dur("latency", latency).
			Err(checkErr).
			Msg("Canary failed")
		return result, checkErr
	}

	c.logger.Info().Str("cell_id", cellID).Dur("latency", latency).Msg("Canary passed")
	return result, nil
}

// probe sends the canary request and returns the response status.
func (c *Checker) probe(ctx context.Context, cellID string) (int, string, error) {
	fail := func(class func(string, error) *engine.EngineError, msg string, err error) error {
		return class(msg, err).WithCode(engine.ErrCodeCanaryFailed).WithResource(cellID).WithOperation("canary")
	}

	dnsName, err := c.endpoints.Endpoint(ctx, cellID)
	if err != nil {
		return 0, "", fail(engine.NewPermanentError, "cell has no endpoint", err)
	}

	token, err := c.Token(cellID)
	if err != nil {
		return 0, "", fail(engine.NewPermanentError, "failed to issue canary token", err)
	}

	payload, err := json.Marshal(map[string]string{"key": Key, "value": Value})
	if err != nil {
		return 0, "", fail(engine.NewPermanentError, "failed to encode canary request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, URL(dnsName), bytes.NewReader(payload))
	if err != nil {
		return 0, "", fail(engine.NewPermanentError, "failed to build canary request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	sent := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fail(engine.NewTransientError, "canary request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return resp.StatusCode, "", fail(engine.NewTransientError, "failed to read canary response", err)
	}

	if c.script != "" {
		ok, reason, err := c.scripts.Assert(ctx, c.script, map[string]interface{}{
			"status":     resp.StatusCode,
			"body":       string(body),
			"latency_ms": time.Since(sent).Milliseconds(),
			"cell_id":    cellID,
		})
		if err != nil {
			return resp.StatusCode, "", fail(engine.NewPermanentError, "canary assertion errored", err)
		}
		if !ok {
			if reason == "" {
				reason = "assertion returned false"
			}
			return resp.StatusCode, reason, fail(engine.NewPermanentError, "canary assertion failed: "+reason, nil)
		}
		return resp.StatusCode, reason, nil
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("canary got status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode >= 500 {
			return resp.StatusCode, "", fail(engine.NewTransientError, msg, nil)
		}
		return resp.StatusCode, "", fail(engine.NewPermanentError, msg, nil)
	}
	return resp.StatusCode, "", nil
}

// CheckCells waits, then checks every cell in order. Failures are joined.
// The wait returns early when ctx is cancelled.
func (c *Checker) CheckCells(ctx context.Context, cellIDs []string, wait time.Duration) error {
	if err := Sleep(ctx, wait); err != nil {
		return err
	}

	var errs []error
	for _, cellID := range cellIDs {
		if _, err := c.Check(ctx, cellID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
