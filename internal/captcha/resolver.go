// Package captcha はパネルのログインCAPTCHAを解決する。
// 算術式として評価できない場合はオペレーターへエスカレーションし、回答を一定時間待つ。
package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/smsrelay/internal/metrics"
)

// DefaultTimeout はオペレーター回答の既定の待ち時間。
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout はオペレーターの回答が時間内に得られなかったことを示す。
	ErrTimeout = errors.New("CAPTCHAの回答待ちがタイムアウトしました")
	// ErrCancelled は回答待ちが呼び出し元によってキャンセルされたことを示す。
	ErrCancelled = errors.New("CAPTCHAの回答待ちがキャンセルされました")
)

// Challenge はオペレーターに回答を求めているCAPTCHAを表す。
type Challenge struct {
	ID        string
	RawText   string
	CreatedAt time.Time
}

// OperatorNotifier はオペレーターへCAPTCHAを通知するインターフェース。
type OperatorNotifier interface {
	NotifyOperatorOfChallenge(ctx context.Context, challengeID, rawText string) error
}

type pendingChallenge struct {
	challenge Challenge
	result    chan string
}

// Resolver はCAPTCHAを解決する。
// 保留中のチャレンジはIDをキーとするテーブルで管理し、
// 回答・タイムアウト・キャンセルのうち最初の1つだけがエントリを取り除く。
type Resolver struct {
	notifier OperatorNotifier
	timeout  time.Duration
	logger   *slog.Logger
	metrics  metrics.MetricsCollector

	mu      sync.Mutex
	pending map[string]*pendingChallenge
}

// NewResolver はResolverを生成する。timeoutが0以下の場合はDefaultTimeoutを使う。
func NewResolver(notifier OperatorNotifier, timeout time.Duration, logger *slog.Logger, mc metrics.MetricsCollector) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		notifier: notifier,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics.OrNop(mc),
		pending:  make(map[string]*pendingChallenge),
	}
}

// Solve はCAPTCHAの回答を返す。
// 算術式として解けた場合は即座に返し、そうでなければオペレーターの回答を待つ。
// 待機は ctx のキャンセルかタイムアウトで打ち切られる。
func (r *Resolver) Solve(ctx context.Context, challengeText string) (string, error) {
	if answer, ok := Evaluate(challengeText); ok {
		r.metrics.RecordCaptcha("arithmetic", "solved")
		r.logger.Info("CAPTCHAを算術式として解決しました",
			slog.String("answer", answer),
		)
		return answer, nil
	}
	return r.escalate(ctx, challengeText)
}

func (r *Resolver) escalate(ctx context.Context, rawText string) (string, error) {
	p := &pendingChallenge{
		challenge: Challenge{
			ID:        uuid.NewString(),
			RawText:   rawText,
			CreatedAt: time.Now(),
		},
		result: make(chan string, 1),
	}
	id := p.challenge.ID

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()

	r.logger.Info("CAPTCHAをオペレーターにエスカレーションしました",
		slog.String("challenge_id", id),
		slog.Duration("timeout", r.timeout),
	)

	go r.notify(id, rawText)

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case answer := <-p.result:
		r.metrics.RecordCaptcha("operator", "solved")
		return answer, nil
	case <-timer.C:
		if r.remove(id) {
			r.metrics.RecordCaptcha("operator", "timeout")
			r.logger.Warn("CAPTCHAの回答待ちがタイムアウトしました",
				slog.String("challenge_id", id),
			)
			return "", ErrTimeout
		}
	case <-ctx.Done():
		if r.remove(id) {
			r.metrics.RecordCaptcha("operator", "cancelled")
			return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}

	// Submit がエントリを先に取り除いた場合、回答は必ずチャネルに届く。
	answer := <-p.result
	r.metrics.RecordCaptcha("operator", "solved")
	return answer, nil
}

func (r *Resolver) notify(id, rawText string) {
	if r.notifier == nil {
		r.logger.Warn("通知先が未設定のためCAPTCHAを通知できません",
			slog.String("challenge_id", id),
		)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.notifier.NotifyOperatorOfChallenge(ctx, id, rawText); err != nil {
		r.logger.Error("CAPTCHAのオペレーター通知に失敗しました",
			slog.String("challenge_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// remove はエントリが残っていれば取り除いてtrueを返す。
func (r *Resolver) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// Submit はオペレーターの回答を保留中のチャレンジに渡す。
// 未知のID、解決済みのID、空の回答に対してはfalseを返す。
func (r *Resolver) Submit(challengeID, solution string) bool {
	solution = strings.TrimSpace(solution)
	if solution == "" {
		return false
	}

	r.mu.Lock()
	p, ok := r.pending[challengeID]
	if ok {
		delete(r.pending, challengeID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("保留中でないCAPTCHAへの回答を無視しました",
			slog.String("challenge_id", challengeID),
		)
		return false
	}

	p.result <- solution
	r.logger.Info("CAPTCHAの回答を受け付けました",
		slog.String("challenge_id", challengeID),
	)
	return true
}

// Pending は保留中のチャレンジを作成日時順で返す。
func (r *Resolver) Pending() []Challenge {
	r.mu.Lock()
	out := make([]Challenge, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.challenge)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
