package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数（および任意のYAMLファイル）から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Panel
	PanelURL          string
	PanelUsername     string
	PanelPassword     string
	PanelBasePath     string
	PanelTimeout      time.Duration
	PanelRetries      int
	PanelRateLimit    float64
	PanelRateBurst    int
	PanelLoginMarkers []string
	PanelMaxBodySize  int64

	// Reservation
	ReservationTTL    time.Duration
	MaxNumbersPerUser int

	// Scheduler
	SyncInterval      time.Duration
	OTPCheckInterval  time.Duration
	CleanupInterval   time.Duration
	RetentionInterval time.Duration

	// OTP
	OTPRetention   time.Duration
	OTPDedupWindow time.Duration

	// Captcha
	CaptchaTimeout time.Duration

	// Telegram
	TelegramBotToken string
	TelegramAdminID  int64

	// Server
	ServerPort    string
	OperatorToken string

	// Logging
	LogLevel string
}

// lookupFunc は設定キーから値を取得する関数。
type lookupFunc func(key string) string

// Load は環境変数からConfigを読み込む。
// CONFIG_FILE が指定されている場合は、そのYAMLファイルの値を環境変数の下位に重ねる。
// すべての項目にデフォルト値があり、PANEL_URL が解釈できない場合のみエラーを返す。
func Load() (*Config, error) {
	fileValues := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		fileValues = v
	}

	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileValues[key]
	}

	return load(lookup)
}

func load(get lookupFunc) (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = get("DATABASE_URL")

	cfg.PanelURL = strings.TrimRight(getString(get, "PANEL_URL", "http://localhost"), "/")
	u, err := url.Parse(cfg.PanelURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("PANEL_URL が不正です: %q", cfg.PanelURL)
	}

	cfg.PanelUsername = get("PANEL_USERNAME")
	cfg.PanelPassword = get("PANEL_PASSWORD")
	cfg.PanelBasePath = getString(get, "PANEL_BASE_PATH", "/ints/client/SMSCDRStats")
	cfg.PanelTimeout = getDuration(get, "PANEL_TIMEOUT", 30*time.Second)
	cfg.PanelRetries = getInt(get, "PANEL_RETRIES", 3)
	cfg.PanelRateLimit = getFloat(get, "PANEL_RATE_LIMIT", 2)
	cfg.PanelRateBurst = getInt(get, "PANEL_RATE_BURST", 4)
	cfg.PanelLoginMarkers = getList(get, "PANEL_LOGIN_MARKERS", []string{"Welcome", "Dashboard"})
	cfg.PanelMaxBodySize = getInt64(get, "PANEL_MAX_BODY_SIZE", 5242880)

	cfg.ReservationTTL = getDuration(get, "RESERVATION_TTL", 10*time.Minute)
	cfg.MaxNumbersPerUser = getInt(get, "MAX_NUMBERS_PER_USER", 3)

	cfg.SyncInterval = getDuration(get, "SYNC_INTERVAL", 5*time.Minute)
	cfg.OTPCheckInterval = getDuration(get, "OTP_CHECK_INTERVAL", 30*time.Second)
	cfg.CleanupInterval = getDuration(get, "CLEANUP_INTERVAL", 60*time.Second)
	cfg.RetentionInterval = getDuration(get, "RETENTION_INTERVAL", time.Hour)

	cfg.OTPRetention = getDuration(get, "OTP_RETENTION", 24*time.Hour)
	cfg.OTPDedupWindow = getDuration(get, "OTP_DEDUP_WINDOW", 10*time.Minute)

	cfg.CaptchaTimeout = getDuration(get, "CAPTCHA_TIMEOUT", 30*time.Second)

	cfg.TelegramBotToken = get("TELEGRAM_BOT_TOKEN")
	cfg.TelegramAdminID = getInt64(get, "TELEGRAM_ADMIN_ID", 0)

	cfg.ServerPort = getString(get, "SERVER_PORT", "8080")
	cfg.OperatorToken = get("OPERATOR_TOKEN")

	cfg.LogLevel = getString(get, "LOG_LEVEL", "info")

	return cfg, nil
}

// loadFile はフラットなキー/値のYAMLファイルを読み込む。
// キーは環境変数名と同じものを使う。
func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}

	values := make(map[string]string, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		switch tv := v.(type) {
		case []any:
			parts := make([]string, 0, len(tv))
			for _, p := range tv {
				parts = append(parts, fmt.Sprint(p))
			}
			values[strings.ToUpper(k)] = strings.Join(parts, ",")
		default:
			values[strings.ToUpper(k)] = fmt.Sprint(tv)
		}
	}
	return values, nil
}

func getString(get lookupFunc, key, defaultVal string) string {
	if v := get(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(get lookupFunc, key string, defaultVal int) int {
	v := get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getInt64(get lookupFunc, key string, defaultVal int64) int64 {
	v := get(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getFloat(get lookupFunc, key string, defaultVal float64) float64 {
	v := get(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getDuration(get lookupFunc, key string, defaultVal time.Duration) time.Duration {
	v := get(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getList(get lookupFunc, key string, defaultVal []string) []string {
	v := get(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
