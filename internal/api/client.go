package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/metrics"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

const (
	HeaderToken           = "X-CASINOTV-TOKEN"
	HeaderProtocolVersion = "X-CASINOTV-PROTOCOL-VERSION"
	ProtocolVersion       = "1.1"
)

// Endpoint labels used in errors and metrics.
const (
	EndpointGameInfo     = "get"
	EndpointJoin         = "join"
	EndpointPost         = "post"
	EndpointKeepAlive    = "keep_alive"
	EndpointBetReport    = "bet_report"
	EndpointResultReport = "result_report"
)

// ErrNotSuccessful is returned when the envelope reports IsSuccess=false.
var ErrNotSuccessful = errors.New("request not successful")

// Error is a transport level failure: a non-2xx status or an unreadable body.
type Error struct {
	Endpoint string
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	defaultTimeout   = 10 * time.Second
	reportCacheSize  = 64
	reportCacheTTL   = 30 * time.Second
	maxErrorBodySize = 512
)

// Client talks to the request channel of one server.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
	now  func() time.Time

	mu    sync.RWMutex
	token string

	reports *expirable.LRU[string, []BetRound]
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithClock fixes "today" for report paths.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     zap.NewNop(),
		now:     time.Now,
		reports: expirable.NewLRU[string, []BetRound](reportCacheSize, nil, reportCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.reports.Purge()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) GameInfo(ctx context.Context, instanceID string) (types.GameInfo, error) {
	var resp types.Response[types.GameInfo]
	if err := c.do(ctx, EndpointGameInfo, http.MethodGet, "get/"+instanceID, nil, &resp); err != nil {
		return types.GameInfo{}, err
	}
	if !resp.IsSuccess {
		return types.GameInfo{}, fmt.Errorf("%s %s: %w", EndpointGameInfo, instanceID, ErrNotSuccessful)
	}
	return resp.ResponseData, nil
}

// Join performs the join handshake for an instance.
func (c *Client) Join(ctx context.Context, instanceID string) (types.JoinData, error) {
	var resp types.Response[types.JoinData]
	if err := c.do(ctx, EndpointJoin, http.MethodGet, "join/"+instanceID+"/", nil, &resp); err != nil {
		return types.JoinData{}, err
	}
	if !resp.IsSuccess {
		return types.JoinData{}, fmt.Errorf("%s %s: %w", EndpointJoin, instanceID, ErrNotSuccessful)
	}
	return resp.ResponseData, nil
}

// Post submits a player intent. A response with IsSuccess=false is returned
// as is, the caller decides what it means.
func (c *Client) Post(ctx context.Context, instanceID string, intent types.Intent) (types.PostResponse, error) {
	body, err := json.Marshal(intent)
	if err != nil {
		return types.PostResponse{}, fmt.Errorf("encode intent: %w", err)
	}
	var resp types.PostResponse
	if err := c.do(ctx, EndpointPost, http.MethodPost, "post/"+instanceID+"/", body, &resp); err != nil {
		return types.PostResponse{}, err
	}
	return resp, nil
}

func (c *Client) KeepAlive(ctx context.Context, instanceID string) error {
	return c.do(ctx, EndpointKeepAlive, http.MethodGet, "keep_alive/"+instanceID+"/", nil, nil)
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, body []byte, out any) (err error) {
	start := time.Now()
	status := 0
	defer func() {
		label := strconv.Itoa(status)
		if err != nil && status == 0 {
			label = "error"
		}
		metrics.RequestDuration.WithLabelValues(endpoint, label).Observe(time.Since(start).Seconds())
	}()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+path, rd)
	if err != nil {
		return &Error{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderProtocolVersion, ProtocolVersion)
	if tok := c.Token(); tok != "" {
		req.Header.Set(HeaderToken, tok)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return &Error{Endpoint: endpoint, Err: err}
	}
	defer res.Body.Close()
	status = res.StatusCode

	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
		c.log.Warn("request failed",
			zap.String("endpoint", endpoint),
			zap.Int("status", res.StatusCode))
		return &Error{Endpoint: endpoint, Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return &Error{Endpoint: endpoint, Status: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
