// Package panel はSMSパネル（HTMLのみ、CAPTCHA付きログイン）のクライアントを提供する。
// 認証済みセッションをメモ化し、国・番号・OTPの一覧を取得してパースする。
package panel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/smsrelay/internal/metrics"
)

const (
	kindCountries = "countries"
	kindNumbers   = "numbers"
	kindOTPs      = "otps"
)

// errNotAuthenticated は再認証後もセッション切れと判定されたことを示す。
var errNotAuthenticated = errors.New("パネルのセッションが認証されていません")

// Options はパネル接続の設定。
type Options struct {
	BaseURL      string
	BasePath     string
	Username     string
	Password     string
	Timeout      time.Duration
	Retries      int
	RateLimit    float64
	RateBurst    int
	LoginMarkers []string
	MaxBodySize  int64
	// Transport はテストで差し替えるためのもの。nilの場合は既定のTransportを使う。
	Transport http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if len(o.LoginMarkers) == 0 {
		o.LoginMarkers = []string{"Welcome", "Dashboard"}
	}
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = 5 * 1024 * 1024
	}
	return o
}

func (o Options) endpoint() string {
	return strings.TrimRight(o.BaseURL, "/") + o.BasePath
}

// Authenticator はパネルのセッションを発行するインターフェース。
type Authenticator interface {
	Authenticate(ctx context.Context) (*Session, error)
}

// Client はパネルから国・番号・OTPを取得する。
// 取得系の操作はエラーを返さず、失敗時はログに記録して空のスライスを返す。
type Client struct {
	auth        Authenticator
	httpClient  *http.Client
	endpoint    string
	markers     []string
	retries     int
	retryDelay  time.Duration
	maxBodySize int64
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
	now         func() time.Time

	mu      sync.Mutex
	session *Session

	// authMu は認証を直列化する。有効なセッションを持つ取得はこのロックを待たない。
	authMu sync.Mutex
}

// NewClient はClientを生成する。
func NewClient(opts Options, auth Authenticator, logger *slog.Logger, mc metrics.MetricsCollector) *Client {
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}

	return &Client{
		auth:        auth,
		httpClient:  &http.Client{Timeout: opts.Timeout, Transport: opts.Transport},
		endpoint:    opts.endpoint(),
		markers:     opts.LoginMarkers,
		retries:     opts.Retries,
		retryDelay:  initialRetryDelay,
		maxBodySize: opts.MaxBodySize,
		limiter:     rate.NewLimiter(limit, opts.RateBurst),
		logger:      logger,
		metrics:     metrics.OrNop(mc),
		now:         time.Now,
	}
}

// FetchCountries は国一覧を取得する。失敗時は空のスライスを返す。
func (c *Client) FetchCountries(ctx context.Context) []ParsedCountry {
	body, ok := c.fetch(ctx, kindCountries, "")
	if !ok {
		return []ParsedCountry{}
	}
	countries, err := ParseCountries(body)
	if err != nil {
		c.logParseError(kindCountries, err)
		return []ParsedCountry{}
	}
	return countries
}

// FetchNumbers は番号一覧を取得する。失敗時は空のスライスを返す。
func (c *Client) FetchNumbers(ctx context.Context) []ParsedNumber {
	body, ok := c.fetch(ctx, kindNumbers, "action=numbers")
	if !ok {
		return []ParsedNumber{}
	}
	numbers, err := ParseNumbers(body)
	if err != nil {
		c.logParseError(kindNumbers, err)
		return []ParsedNumber{}
	}
	return numbers
}

// FetchNewOTPs はSMSレポートからOTPを取得する。失敗時は空のスライスを返す。
// 重複の排除は呼び出し側で行う。
func (c *Client) FetchNewOTPs(ctx context.Context) []ParsedOTP {
	body, ok := c.fetch(ctx, kindOTPs, "action=smsreport")
	if !ok {
		return []ParsedOTP{}
	}
	otps, err := ParseOTPs(body, c.now())
	if err != nil {
		c.logParseError(kindOTPs, err)
		return []ParsedOTP{}
	}
	return otps
}

// Invalidate は現在のセッションを破棄する。次の取得で再認証される。
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
}

// HasSession は有効なセッションを保持しているかを返す。
func (c *Client) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Valid()
}

func (c *Client) logParseError(kind string, err error) {
	c.metrics.RecordPanelFetch(kind, "parse_error")
	c.logger.Error("パネル応答のパースに失敗しました",
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// fetch はページを取得する。未認証と判定された場合はセッションを無効化し、
// 再認証のうえ1回だけ取得し直す。
func (c *Client) fetch(ctx context.Context, kind, query string) ([]byte, bool) {
	start := time.Now()
	body, err := c.fetchAuthenticated(ctx, kind, query)
	c.metrics.RecordFetchLatency(kind, time.Since(start))

	if err != nil {
		c.metrics.RecordPanelFetch(kind, "error")
		c.logger.Error("パネルからの取得に失敗しました",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	c.metrics.RecordPanelFetch(kind, "ok")
	c.logger.Info("パネルから取得しました",
		slog.String("kind", kind),
		slog.Int("bytes", len(body)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return body, true
}

func (c *Client) fetchAuthenticated(ctx context.Context, kind, query string) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		session, err := c.ensureSession(ctx)
		if err != nil {
			return nil, err
		}

		body, status, err := c.get(ctx, query, session)
		if err != nil {
			return nil, err
		}

		if ClassifyHTTPStatus(status) == FetchResultUnauthenticated || !containsMarker(body, c.markers) {
			c.metrics.RecordPanelFetch(kind, "unauthenticated")
			c.logger.Warn("パネルのセッション切れを検出しました",
				slog.String("kind", kind),
				slog.Int("http_status", status),
				slog.Int("attempt", attempt+1),
			)
			c.invalidate(session)
			continue
		}
		return body, nil
	}
	return nil, errNotAuthenticated
}

// ensureSession は有効なセッションを返す。なければ認証する。
func (c *Client) ensureSession(ctx context.Context) (*Session, error) {
	if s := c.current(); s.Valid() {
		return s, nil
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()

	// 待っている間に他の呼び出しが認証を終えている場合がある
	if s := c.current(); s.Valid() {
		return s, nil
	}

	s, err := c.auth.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	return s, nil
}

func (c *Client) current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// invalidate は失敗したセッションがまだ現在のセッションである場合に限り破棄する。
func (c *Client) invalidate(failed *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == failed {
		c.session = nil
	}
}

// get はページを取得する。ネットワークエラーと一時的なステータスは
// retries 回までリトライする。401/403 はステータスとして呼び出し元に返す。
func (c *Client) get(ctx context.Context, query string, session *Session) ([]byte, int, error) {
	target := c.endpoint
	if query != "" {
		target += "?" + query
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, CalculateBackoff(c.retryDelay, attempt-1)); err != nil {
				return nil, 0, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("レート制限の待機に失敗: %w", err)
		}

		body, status, err := c.do(ctx, target, session)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			lastErr = err
			continue
		}

		switch ClassifyHTTPStatus(status) {
		case FetchResultOK, FetchResultUnauthenticated:
			return body, status, nil
		case FetchResultBackoff:
			lastErr = fmt.Errorf("一時的なHTTPステータス %d", status)
			continue
		default:
			return nil, status, fmt.Errorf("予期しないHTTPステータス %d", status)
		}
	}
	return nil, 0, fmt.Errorf("リトライ上限(%d回)に達しました: %w", c.retries, lastErr)
}

func (c *Client) do(ctx context.Context, target string, session *Session) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if session.Cookie != "" {
		req.Header.Set("Cookie", session.Cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	return body, resp.StatusCode, nil
}
