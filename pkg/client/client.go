// Package client talks to a cellular deployment: it registers users with the
// router, logs in to obtain the user's cell and token, and then reads and
// writes items on that cell.
package client

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
)

// DefaultTimeout bounds every request of a client created without an
// explicit HTTP client.
const DefaultTimeout = 5 * time.Second

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("item not found")

// ErrNotLoggedIn is returned by cell operations before Login.
var ErrNotLoggedIn = errors.New("not logged in")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// StatusCode returns the HTTP status of err, or 0 when err is not an HTTPError.
func StatusCode(err error) int {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	return 0
}

// Client is a session of one user.
type Client struct {
	httpClient *http.Client
	router     string
	username   string

	cellURL string
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for username against the router at routerURL. The
// URL may omit its scheme.
func New(routerURL, username string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		router:     baseURL(routerURL),
		username:   username,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Username returns the user of the session.
func (c *Client) Username() string {
	return c.username
}

// CellURL returns the base URL of the user's cell, empty before Login.
func (c *Client) CellURL() string {
	return c.cellURL
}

// RegisterResponse is the router's answer to a registration.
type RegisterResponse struct {
	Status   string `json:"status"`
	Username string `json:"username"`
	APIKey   string `json:"apikey"`
	Cell     string `json:"cell"`
}

// Register creates the user and returns its API key. The key is shown only
// once.
func (c *Client) Register(ctx context.Context) (*RegisterResponse, error) {
	var resp RegisterResponse
	err := c.do(ctx, http.MethodPost, c.router+"/register", "", map[string]string{"username": c.username}, &resp)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &resp, nil
}

// Login exchanges the API key for the user's cell address and a token bound
// to that cell.
func (c *Client) Login(ctx context.Context, apiKey string) error {
	var resp struct {
		DNSNameCell string `json:"dns_name_cell"`
		Token       string `json:"token"`
	}
	body := map[string]string{"username": c.username, "apikey": apiKey}
	if err := c.do(ctx, http.MethodPost, c.router+"/login", "", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.DNSNameCell == "" || resp.Token == "" {
		return fmt.Errorf("login: incomplete response from router")
	}
	c.cellURL = baseURL(resp.DNSNameCell)
	c.token = resp.Token
	return nil
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key, value string) error {
	if err := c.cell(ctx, "/put", map[string]string{"key": key, "value": value}, nil); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the value of key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	var resp struct {
		Value string `json:"value"`
	}
	err := c.cell(ctx, "/get", map[string]string{"key": key}, &resp)
	if StatusCode(err) == http.StatusNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return resp.Value, nil
}

// Delete removes key. Deleting a missing key succeeds.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.cell(ctx, "/delete", map[string]string{"key": key}, nil); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Identity is what a cell knows about the caller.
type Identity struct {
	Username string `json:"username"`
	CellID   string `json:"cellid"`
}

// Validate asks the cell who the caller is.
func (c *Client) Validate(ctx context.Context) (*Identity, error) {
	var id Identity
	if err := c.cell(ctx, "/validate", nil, &id); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &id, nil
}

// CellID returns the cell serving the user.
func (c *Client) CellID(ctx context.Context) (string, error) {
	id, err := c.Validate(ctx)
	if err != nil {
		return "", err
	}
	return id.CellID, nil
}

func (c *Client) cell(ctx context.Context, path string, body, out interface{}) error {
	if c.cellURL == "" {
		return ErrNotLoggedIn
	}
	return c.do(ctx, http.MethodPost, c.cellURL+path, c.token, body, out)
}

func (c *Client) do(ctx context.Context, method, url, token string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
