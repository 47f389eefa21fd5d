package panel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/smsrelay/internal/metrics"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// inlineChallenge はフォーム内の "N op N =" 形式のCAPTCHAを検出する。
var inlineChallenge = regexp.MustCompile(`\d+\s*[-+*/xX×÷]\s*\d+(?:\s*[-+*/xX×÷]\s*\d+)*\s*=\s*\??`)

// Session はパネルの認証済みセッション。再認証時は丸ごと置き換え、部分的に変更しない。
type Session struct {
	Cookie   string
	IssuedAt time.Time
}

// Valid はセッションが利用可能かを返す。
func (s *Session) Valid() bool {
	return s != nil && !s.IssuedAt.IsZero()
}

// AuthError はパネル認証の失敗を表す。
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("パネル認証に失敗しました: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("パネル認証に失敗しました: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// CaptchaSolver はログインページのCAPTCHAを解くインターフェース。
type CaptchaSolver interface {
	Solve(ctx context.Context, challengeText string) (string, error)
}

// SessionClient はパネルにログインしてセッションを発行する。
// 認証試行ごとに新しいCookieJarを使い、失敗した試行の状態を持ち越さない。
type SessionClient struct {
	loginURL    string
	username    string
	password    string
	markers     []string
	timeout     time.Duration
	maxBodySize int64
	transport   http.RoundTripper
	solver      CaptchaSolver
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// NewSessionClient はSessionClientを生成する。
func NewSessionClient(opts Options, solver CaptchaSolver, logger *slog.Logger, mc metrics.MetricsCollector) *SessionClient {
	opts = opts.withDefaults()
	return &SessionClient{
		loginURL:    opts.endpoint(),
		username:    opts.Username,
		password:    opts.Password,
		markers:     opts.LoginMarkers,
		timeout:     opts.Timeout,
		maxBodySize: opts.MaxBodySize,
		transport:   opts.Transport,
		solver:      solver,
		logger:      logger,
		metrics:     metrics.OrNop(mc),
	}
}

// Authenticate はログインページを取得し、CAPTCHAがあれば解決してから資格情報を送信する。
// 応答本文にログインマーカーが含まれる場合のみ成功とみなす。
func (c *SessionClient) Authenticate(ctx context.Context) (*Session, error) {
	c.logger.Info("パネルへの認証を開始します", slog.String("login_url", c.loginURL))

	session, err := c.authenticate(ctx)
	if err != nil {
		c.metrics.RecordAuth("failure")
		c.logger.Error("パネル認証に失敗しました", slog.String("error", err.Error()))
		return nil, err
	}

	c.metrics.RecordAuth("success")
	c.logger.Info("パネル認証に成功しました")
	return session, nil
}

func (c *SessionClient) authenticate(ctx context.Context) (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &AuthError{Reason: "CookieJarの作成に失敗", Err: err}
	}
	client := &http.Client{Timeout: c.timeout, Jar: jar, Transport: c.transport}

	loginPage, err := c.do(ctx, client, http.MethodGet, nil)
	if err != nil {
		return nil, &AuthError{Reason: "ログインページの取得に失敗", Err: err}
	}

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	if challenge := extractChallenge(loginPage); challenge != "" {
		c.logger.Info("CAPTCHAを検出しました", slog.String("challenge", challenge))
		if c.solver == nil {
			return nil, &AuthError{Reason: "CAPTCHAの解決手段がありません"}
		}
		solution, err := c.solver.Solve(ctx, challenge)
		if err != nil {
			return nil, &AuthError{Reason: "CAPTCHAを解決できませんでした", Err: err}
		}
		form.Set("captcha", solution)
	}

	body, err := c.do(ctx, client, http.MethodPost, form)
	if err != nil {
		return nil, &AuthError{Reason: "ログイン要求に失敗", Err: err}
	}
	if !containsMarker(body, c.markers) {
		return nil, &AuthError{Reason: "ログイン後のマーカーが見つかりません"}
	}

	u, err := url.Parse(c.loginURL)
	if err != nil {
		return nil, &AuthError{Reason: "ログインURLが不正です", Err: err}
	}
	return &Session{
		Cookie:   cookieHeader(jar.Cookies(u)),
		IssuedAt: time.Now(),
	}, nil
}

func (c *SessionClient) do(ctx context.Context, client *http.Client, method string, form url.Values) ([]byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.loginURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.metrics.RecordHTTPStatus(resp.StatusCode)
	if ClassifyHTTPStatus(resp.StatusCode) != FetchResultOK {
		return nil, fmt.Errorf("予期しないHTTPステータス %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	return body, nil
}

// extractChallenge はログインページからCAPTCHA文字列を取り出す。
// "Security Code" ラベルの隣のセルを優先し、なければフォーム内の算術式を探す。
func extractChallenge(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	text := strings.TrimSpace(
		doc.Find(`td:contains("Security Code")`).First().Next().Find("font").Text(),
	)
	if text != "" {
		return text
	}

	var found string
	doc.Find("form").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = inlineChallenge.FindString(s.Text())
		return found == ""
	})
	return strings.TrimSpace(found)
}

func containsMarker(body []byte, markers []string) bool {
	for _, m := range markers {
		if m != "" && bytes.Contains(body, []byte(m)) {
			return true
		}
	}
	return false
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}
