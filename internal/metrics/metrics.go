// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パネルクライアント、CAPTCHA解決、予約、ルーティング、スケジューラから利用する。
type MetricsCollector interface {
	RecordPanelFetch(kind, result string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(kind string, duration time.Duration)
	RecordAuth(result string)
	RecordCaptcha(method, result string)
	RecordReservation(result string)
	RecordSweep(released int)
	RecordOTPRouted(outcome string)
	RecordNumbersSynced(count int)
	RecordJobRun(job, result string)
	RecordJobSkipped(job string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	panelFetch    *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	auth          *prometheus.CounterVec
	captcha       *prometheus.CounterVec
	reservations  *prometheus.CounterVec
	swept         prometheus.Counter
	otpRouted     *prometheus.CounterVec
	numbersSynced prometheus.Counter
	jobRuns       *prometheus.CounterVec
	jobSkipped    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		panelFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_panel_fetch_total",
			Help: "パネル取得の種別・結果別の合計数",
		}, []string{"kind", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_panel_http_status_total",
			Help: "パネルのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smsrelay_panel_fetch_latency_seconds",
			Help:    "パネル取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_panel_auth_total",
			Help: "パネル認証の結果別の合計数",
		}, []string{"result"}),
		captcha: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_captcha_total",
			Help: "CAPTCHA解決の方式・結果別の合計数",
		}, []string{"method", "result"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_reservations_total",
			Help: "番号予約の結果別の合計数",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_reservations_swept_total",
			Help: "期限切れにより解放された予約の合計数",
		}),
		otpRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_otp_routed_total",
			Help: "OTPルーティングの結果別の合計数",
		}, []string{"outcome"}),
		numbersSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smsrelay_numbers_synced_total",
			Help: "同期でUPSERTされた番号の合計数",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_job_runs_total",
			Help: "定期ジョブの実行結果別の合計数",
		}, []string{"job", "result"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smsrelay_job_skipped_total",
			Help: "前回実行中のためスキップされた定期ジョブの合計数",
		}, []string{"job"}),
	}

	reg.MustRegister(
		c.panelFetch,
		c.httpStatus,
		c.fetchLatency,
		c.auth,
		c.captcha,
		c.reservations,
		c.swept,
		c.otpRouted,
		c.numbersSynced,
		c.jobRuns,
		c.jobSkipped,
	)

	return c
}

// RecordPanelFetch はパネル取得の結果を記録する。
func (c *Collector) RecordPanelFetch(kind, result string) {
	c.panelFetch.WithLabelValues(kind, result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はパネル取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(kind string, duration time.Duration) {
	c.fetchLatency.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAuth はパネル認証の結果を記録する。
func (c *Collector) RecordAuth(result string) {
	c.auth.WithLabelValues(result).Inc()
}

// RecordCaptcha はCAPTCHA解決の結果を記録する。
func (c *Collector) RecordCaptcha(method, result string) {
	c.captcha.WithLabelValues(method, result).Inc()
}

// RecordReservation は番号予約の結果を記録する。
func (c *Collector) RecordReservation(result string) {
	c.reservations.WithLabelValues(result).Inc()
}

// RecordSweep はスイープで解放された件数を記録する。
func (c *Collector) RecordSweep(released int) {
	c.swept.Add(float64(released))
}

// RecordOTPRouted はOTPルーティングの結果を記録する。
func (c *Collector) RecordOTPRouted(outcome string) {
	c.otpRouted.WithLabelValues(outcome).Inc()
}

// RecordNumbersSynced は同期でUPSERTされた番号数を記録する。
func (c *Collector) RecordNumbersSynced(count int) {
	c.numbersSynced.Add(float64(count))
}

// RecordJobRun は定期ジョブの実行結果を記録する。
func (c *Collector) RecordJobRun(job, result string) {
	c.jobRuns.WithLabelValues(job, result).Inc()
}

// RecordJobSkipped は定期ジョブのスキップを記録する。
func (c *Collector) RecordJobSkipped(job string) {
	c.jobSkipped.WithLabelValues(job).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordPanelFetch(string, string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordFetchLatency(string, time.Duration) {}
func (Nop) RecordAuth(string) {}
func (Nop) RecordCaptcha(string, string) {}
func (Nop) RecordReservation(string) {}
func (Nop) RecordSweep(int) {}
func (Nop) RecordOTPRouted(string) {}
func (Nop) RecordNumbersSynced(int) {}
func (Nop) RecordJobRun(string, string) {}
func (Nop) RecordJobSkipped(string) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// OrNop はmcがnilの場合にNopを返す。
func OrNop(mc MetricsCollector) MetricsCollector {
	if mc == nil {
		return Nop{}
	}
	return mc
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
