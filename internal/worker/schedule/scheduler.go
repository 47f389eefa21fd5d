// Package schedule は定期ジョブのスケジューラを提供する。
// 各ジョブは独立したティッカーで動き、実行中に来たティックは積まずにスキップする。
// 1つのジョブの失敗やパニックは他のジョブやスケジュールに影響しない。
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/smsrelay/internal/metrics"
	"github.com/hitoshi/smsrelay/internal/model"
)

// RunFunc はジョブ本体。
type RunFunc func(ctx context.Context) error

// JobStatus はジョブの実行状況のスナップショット。
type JobStatus struct {
	Name      string
	Interval  time.Duration
	Running   bool
	Runs      int64
	Failures  int64
	Skipped   int64
	LastRunAt time.Time
	LastError string
}

type job struct {
	name     string
	interval time.Duration
	run      RunFunc
	trigger  chan struct{}
	running  atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

func (j *job) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	st := j.status
	st.Running = j.running.Load()
	return st
}

// Scheduler は登録されたジョブを周期実行する。
type Scheduler struct {
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	started bool

	wg sync.WaitGroup
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(logger *slog.Logger, mc metrics.MetricsCollector) *Scheduler {
	return &Scheduler{
		logger:  logger,
		metrics: metrics.OrNop(mc),
		jobs:    make(map[string]*job),
	}
}

// Register はジョブを登録する。Start の後や同名の登録はエラーになる。
func (s *Scheduler) Register(name string, interval time.Duration, run RunFunc) error {
	if interval <= 0 {
		return fmt.Errorf("ジョブ %s の実行間隔が不正です: %v", name, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("スケジューラの開始後はジョブを登録できません: %s", name)
	}
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("ジョブ %s はすでに登録されています", name)
	}

	s.jobs[name] = &job{
		name:     name,
		interval: interval,
		run:      run,
		trigger:  make(chan struct{}, 1),
		status:   JobStatus{Name: name, Interval: interval},
	}
	s.order = append(s.order, name)
	return nil
}

// Start はすべてのジョブを起動する。各ジョブは起動直後に1回実行され、
// 以降は ctx がキャンセルされるまで実行間隔ごとに実行される。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	jobs := make([]*job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	for _, j := range jobs {
		s.logger.Info("定期ジョブを開始しました",
			slog.String("job", j.name),
			slog.Duration("interval", j.interval),
		)
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

// Wait はすべてのジョブループと実行中のジョブの終了を待つ。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger はジョブを即時に1回実行するよう要求する。
// すでに要求済みか実行中の場合は1回にまとめられる。
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return model.NewUnknownJobError(name)
	}

	select {
	case j.trigger <- struct{}{}:
		s.logger.Info("ジョブの即時実行を要求しました", slog.String("job", name))
	default:
	}
	return nil
}

// Status は登録順にジョブの実行状況を返す。
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.dispatch(ctx, j)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("定期ジョブを停止しました", slog.String("job", j.name))
			return
		case <-ticker.C:
			s.dispatch(ctx, j)
		case <-j.trigger:
			s.dispatch(ctx, j)
		}
	}
}

// dispatch は前回の実行が終わっていればジョブを非同期に実行し、
// 実行中であればスキップを記録する。
func (s *Scheduler) dispatch(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.mu.Lock()
		j.status.Skipped++
		j.mu.Unlock()
		s.metrics.RecordJobSkipped(j.name)
		s.logger.Warn("前回の実行が終わっていないためジョブをスキップしました",
			slog.String("job", j.name),
		)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		s.execute(ctx, j)
	}()
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	start := time.Now()
	err := s.safeRun(ctx, j)
	duration := time.Since(start)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRunAt = start
	j.status.LastError = ""
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.metrics.RecordJobRun(j.name, "error")
		s.logger.Error("定期ジョブの実行に失敗しました",
			slog.String("job", j.name),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return
	}

	s.metrics.RecordJobRun(j.name, "ok")
	s.logger.Debug("定期ジョブが完了しました",
		slog.String("job", j.name),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// safeRun はジョブのパニックをエラーに変換する。
func (s *Scheduler) safeRun(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ジョブ %s でパニックが発生しました: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}
