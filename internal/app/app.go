package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/smsrelay/internal/allocation"
	"github.com/hitoshi/smsrelay/internal/captcha"
	"github.com/hitoshi/smsrelay/internal/config"
	"github.com/hitoshi/smsrelay/internal/database"
	"github.com/hitoshi/smsrelay/internal/handler"
	"github.com/hitoshi/smsrelay/internal/logger"
	"github.com/hitoshi/smsrelay/internal/metrics"
	"github.com/hitoshi/smsrelay/internal/middleware"
	"github.com/hitoshi/smsrelay/internal/notify"
	"github.com/hitoshi/smsrelay/internal/panel"
	"github.com/hitoshi/smsrelay/internal/repository"
	"github.com/hitoshi/smsrelay/internal/reservation"
	"github.com/hitoshi/smsrelay/internal/routing"
	"github.com/hitoshi/smsrelay/internal/security"
	"github.com/hitoshi/smsrelay/internal/worker/cleanup"
	"github.com/hitoshi/smsrelay/internal/worker/inventory"
	"github.com/hitoshi/smsrelay/internal/worker/otppoll"
	"github.com/hitoshi/smsrelay/internal/worker/schedule"
)

// 定期ジョブ名。
const (
	JobInventorySync    = "inventory_sync"
	JobOTPPoll          = "otp_poll"
	JobReservationSweep = "reservation_sweep"
	JobOTPRetention     = "otp_retention"
)

// newBotAPI はTelegramボットに接続する。テストで差し替える。
var newBotAPI = tgbotapi.NewBotAPI

// notifier は配送通知とCAPTCHA依頼の両方を扱う通知先。
type notifier interface {
	routing.Notifier
	captcha.OperatorNotifier
}

var (
	_ notifier = (*notify.TelegramNotifier)(nil)
	_ notifier = (*notify.LogNotifier)(nil)
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定のログレベルで再設定する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	switch {
	case cmd == CommandHelp:
		PrintUsage(w)
		return nil
	case !cmd.Valid():
		PrintUsage(w)
		return fmt.Errorf("不明なコマンドです: %q", cmd)
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("panel_url", cfg.PanelURL),
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, slog.Default())
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg, slog.Default())
	}
}

// components は起動モード間で共有する依存関係。
type components struct {
	db        *sql.DB
	store     *repository.Store
	registry  *prometheus.Registry
	resolver  *captcha.Resolver
	panel     *panel.Client
	manager   *reservation.Manager
	alloc     *allocation.Service
	scheduler *schedule.Scheduler

	bot      *tgbotapi.BotAPI
	listener *notify.ReplyListener
}

// build は設定からすべての依存関係を構築し、定期ジョブを登録する。
func build(cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{}

	// 1. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mc := metrics.NewCollector(c.registry)

	// 2. ストア（DATABASE_URL 未設定時はメモリ）
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL が未設定のため、インメモリストアで起動します。再起動でデータは失われます")
		c.store = repository.NewMemoryBackedStore(repository.NewMemoryStore())
	} else {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// 接続できない間も起動は続け、各ジョブの失敗としてログに残す
		if err := db.Ping(); err != nil {
			log.Warn("データベースに接続できません。接続回復までジョブは失敗します",
				slog.String("error", err.Error()),
			)
		} else {
			log.Info("database connection established")
		}
		c.db = db
		c.store = repository.NewPostgresStore(db)
	}

	// 3. 通知先（TELEGRAM_BOT_TOKEN 未設定時はログ）
	var n notifier = notify.NewLogNotifier(log)
	if cfg.TelegramBotToken != "" {
		bot, err := newBotAPI(cfg.TelegramBotToken)
		if err != nil {
			log.Error("Telegramに接続できないため、通知はログにのみ出力されます",
				slog.String("error", err.Error()),
			)
		} else {
			log.Info("Telegram bot connected", slog.String("bot", bot.Self.UserName))
			c.bot = bot
			n = notify.NewTelegramNotifier(bot, cfg.TelegramAdminID, log)
		}
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN が未設定のため、通知はログにのみ出力されます")
	}

	// 4. CAPTCHAとパネル
	c.resolver = captcha.NewResolver(n, cfg.CaptchaTimeout, log, mc)
	if c.bot != nil {
		c.listener = notify.NewReplyListener(c.bot, cfg.TelegramAdminID, c.resolver, log)
	}

	opts := panel.Options{
		BaseURL:      cfg.PanelURL,
		BasePath:     cfg.PanelBasePath,
		Username:     cfg.PanelUsername,
		Password:     cfg.PanelPassword,
		Timeout:      cfg.PanelTimeout,
		Retries:      cfg.PanelRetries,
		RateLimit:    cfg.PanelRateLimit,
		RateBurst:    cfg.PanelRateBurst,
		LoginMarkers: cfg.PanelLoginMarkers,
		MaxBodySize:  cfg.PanelMaxBodySize,
	}
	sessionClient := panel.NewSessionClient(opts, c.resolver, log, mc)
	c.panel = panel.NewClient(opts, sessionClient, log, mc)

	// 5. 予約とルーティング
	c.manager = reservation.NewManager(c.store.Numbers, cfg.ReservationTTL, log, mc)
	c.alloc = allocation.NewService(c.manager, c.store.Numbers, c.store.Users, cfg.MaxNumbersPerUser, log)

	router := routing.NewRouter(c.manager, cfg.TelegramAdminID, log)
	dispatcher := routing.NewDispatcher(
		c.store.OTPs, c.store.Users, router, n,
		security.NewMessageSanitizer(0),
		routing.DispatcherConfig{DedupWindow: cfg.OTPDedupWindow, Retention: cfg.OTPRetention},
		log, mc,
	)

	// 6. 定期ジョブ
	c.scheduler = schedule.NewScheduler(log, mc)
	jobs := []struct {
		name     string
		interval time.Duration
		run      schedule.RunFunc
	}{
		{JobInventorySync, cfg.SyncInterval, inventory.NewSyncJob(c.panel, c.store.Countries, c.store.Numbers, log, mc).Run},
		{JobOTPPoll, cfg.OTPCheckInterval, otppoll.NewPollJob(c.panel, dispatcher, log).Run},
		{JobReservationSweep, cfg.CleanupInterval, cleanup.NewSweepJob(c.manager, log).Run},
		{JobOTPRetention, cfg.RetentionInterval, cleanup.NewRetentionJob(c.store.OTPs, cfg.OTPRetention, log).Run},
	}
	for _, j := range jobs {
		if err := c.scheduler.Register(j.name, j.interval, j.run); err != nil {
			c.close()
			return nil, err
		}
	}

	return c, nil
}

// startListener はTelegramのCAPTCHA回答の受信を開始する。Bot未設定の場合は何もしない。
func (c *components) startListener(ctx context.Context) {
	if c.listener == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := c.bot.GetUpdatesChan(u)
	go c.listener.Listen(ctx, updates)
}

func (c *components) close() {
	if c.bot != nil {
		c.bot.StopReceivingUpdates()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// runServe はオペレーターAPIと定期ジョブを1プロセスで起動する。
// ctx がキャンセルされるとHTTPサーバーを停止し、実行中のジョブの終了を待つ。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:         log,
		OperatorToken:  cfg.OperatorToken,
		RateLimiter:    rateLimiter,
		MetricsHandler: metrics.Handler(c.registry),
		Stats:          c.store.Stats,
		Jobs:           c.scheduler,
		Panel:          c.panel,
		SyncJobName:    JobInventorySync,
		Challenges:     c.resolver,
		Allocation:     c.alloc,
		Reservations:   c.manager,
		OTPs:           c.store.OTPs,
	}
	if c.db != nil {
		deps.HealthChecker = c.db
	}

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	c.scheduler.Start(ctx)
	c.startListener(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
	}
	log.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	c.scheduler.Wait()

	if listenErr != nil {
		return fmt.Errorf("server listen failed: %w", listenErr)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker は定期ジョブのみを起動する。CAPTCHAの回答はTelegram経由でのみ受け付ける。
func runWorker(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer c.close()

	log.Info("worker starting",
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Duration("otp_check_interval", cfg.OTPCheckInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	c.scheduler.Start(ctx)
	c.startListener(ctx)

	<-ctx.Done()
	log.Info("shutting down worker...")
	c.scheduler.Wait()

	log.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL が未設定のためマイグレーションを実行できません")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration applied but version check failed: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
