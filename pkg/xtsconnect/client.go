// Package xtsconnect is a client for the XTS-style market data API: REST
// login and contract master download, plus the streaming WebSocket feed.
//
// Usage:
//
//	xc := xtsconnect.New(xtsconnect.Config{AppKey: "key", SecretKey: "secret"})
//	if err := xc.Login(ctx); err != nil { log.Fatal(err) }
//	master, err := xc.Master(ctx, []string{"NSEFO"})
package xtsconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config configures the REST client. AppKey and SecretKey are the API
// credentials; there is no second factor on this API.
type Config struct {
	AppKey    string
	SecretKey string

	BaseURL string        // default: https://ttblaze.iifl.com
	Source  string        // default: WebAPI
	Timeout time.Duration // default: 10s
	Debug   bool
}

const (
	defaultBaseURL = "https://ttblaze.iifl.com"
	defaultSource  = "WebAPI"
)

var routes = map[string]string{
	"auth.login":         "/apimarketdata/auth/login",
	"auth.logout":        "/apimarketdata/auth/logout",
	"instruments.master": "/apimarketdata/instruments/master",
	"instruments.quotes": "/apimarketdata/instruments/quotes",
	"config.clients":     "/apimarketdata/config/clientConfig",
}

// Client holds the session with the market data API. Login must succeed
// before any other call; the session token is attached to every request and
// to the WebSocket URL.
type Client struct {
	appKey    string
	secretKey string
	baseURL   string
	source    string
	debug     bool

	httpClient *http.Client

	mu     sync.RWMutex
	token  string
	userID string
}

// envelope is the common response wrapper of every endpoint.
type envelope struct {
	Type        string          `json:"type"` // "success" or "error"
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// New creates a REST client. It does not touch the network.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		appKey:     cfg.AppKey,
		secretKey:  cfg.SecretKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		source:     cfg.Source,
		debug:      cfg.Debug,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Token returns the current session token, empty before Login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UserID returns the user id issued at login.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Login authenticates with the app key / secret key pair and stores the
// session token for subsequent calls.
func (c *Client) Login(ctx context.Context) error {
	var result struct {
		Token  string `json:"token"`
		UserID string `json:"userID"`
	}
	err := c.post(ctx, "auth.login", map[string]any{
		"appKey":    c.appKey,
		"secretKey": c.secretKey,
		"source":    c.source,
	}, &result)
	if err != nil {
		return fmt.Errorf("xtsconnect: login: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("xtsconnect: login succeeded but no token in response")
	}

	c.mu.Lock()
	c.token = result.Token
	c.userID = result.UserID
	c.mu.Unlock()
	return nil
}

// Logout invalidates the session token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.request(ctx, http.MethodDelete, "auth.logout", nil, nil); err != nil {
		return fmt.Errorf("xtsconnect: logout: %w", err)
	}
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return nil
}

// Master downloads the contract master for the given exchange segments
// ("NSECM", "NSEFO", ...). The result is one pipe-separated row per
// instrument, rows separated by newlines.
func (c *Client) Master(ctx context.Context, segments []string) (string, error) {
	var result string
	err := c.post(ctx, "instruments.master", map[string]any{
		"exchangeSegmentList": segments,
	}, &result)
	if err != nil {
		return "", fmt.Errorf("xtsconnect: master %v: %w", segments, err)
	}
	return result, nil
}

// Quote is one instrument reference in quote and subscription requests.
type Quote struct {
	ExchangeSegment      int    `json:"exchangeSegment"`
	ExchangeInstrumentID uint32 `json:"exchangeInstrumentID"`
}

// Quotes fetches snapshot quotes for instruments under one message code
// (1501 touchline, 1502 depth, ...). The raw per-instrument JSON payloads are
// returned for the caller's parser; their shape matches the streaming feed.
func (c *Client) Quotes(ctx context.Context, instruments []Quote, messageCode int) ([]string, error) {
	var result struct {
		Quotes []string `json:"listQuotes"`
	}
	err := c.post(ctx, "instruments.quotes", map[string]any{
		"instruments":    instruments,
		"xtsMessageCode": messageCode,
		"publishFormat":  "JSON",
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("xtsconnect: quotes: %w", err)
	}
	return result.Quotes, nil
}

func (c *Client) post(ctx context.Context, route string, params map[string]any, result any) error {
	return c.request(ctx, http.MethodPost, route, params, result)
}

func (c *Client) request(ctx context.Context, method, route string, params map[string]any, result any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("unknown route: %s", route)
	}
	reqURL := c.baseURL + uri

	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", tok)
	}

	if c.debug {
		log.Printf("[xtsconnect] %s %s params=%v", method, reqURL, params)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if c.debug {
		log.Printf("[xtsconnect] response code=%d bytes=%d", resp.StatusCode, len(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("bad response (status %d): %w", resp.StatusCode, err)
	}
	if env.Type != "success" {
		return fmt.Errorf("api error %s: %s", env.Code, env.Description)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("bad result payload: %w", err)
		}
	}
	return nil
}
