// Package inventory はパネルの国一覧と番号一覧をストアへ同期するジョブを提供する。
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/smsrelay/internal/metrics"
	"github.com/hitoshi/smsrelay/internal/model"
	"github.com/hitoshi/smsrelay/internal/panel"
	"github.com/hitoshi/smsrelay/internal/repository"
)

// PanelSource はパネルから在庫を取得するインターフェース。
// 取得に失敗した場合は空のスライスを返す。
type PanelSource interface {
	FetchCountries(ctx context.Context) []panel.ParsedCountry
	FetchNumbers(ctx context.Context) []panel.ParsedNumber
}

// SyncResult は1回の同期で書き込んだ件数。
type SyncResult struct {
	Countries int
	Numbers   int
}

// SyncJob はパネルの在庫をストアへUPSERTする。
// 予約中の番号の状態はストア側で保護されるため、ここでは考慮しない。
type SyncJob struct {
	source    PanelSource
	countries repository.CountryRepository
	numbers   repository.NumberRepository
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewSyncJob はSyncJobを生成する。
func NewSyncJob(
	source PanelSource,
	countries repository.CountryRepository,
	numbers repository.NumberRepository,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
) *SyncJob {
	return &SyncJob{
		source:    source,
		countries: countries,
		numbers:   numbers,
		logger:    logger,
		metrics:   metrics.OrNop(mc),
		now:       time.Now,
	}
}

// Run はスケジューラから呼ばれる同期処理。
func (j *SyncJob) Run(ctx context.Context) error {
	_, err := j.Sync(ctx)
	return err
}

// Sync は国一覧と番号一覧を取得してストアへ反映する。
// 両方とも空の場合はパネル障害とみなし、ストアを変更しない。
func (j *SyncJob) Sync(ctx context.Context) (SyncResult, error) {
	start := time.Now()

	fetchedCountries := j.source.FetchCountries(ctx)
	fetchedNumbers := j.source.FetchNumbers(ctx)
	if err := ctx.Err(); err != nil {
		return SyncResult{}, err
	}

	if len(fetchedCountries) == 0 && len(fetchedNumbers) == 0 {
		j.logger.Warn("パネルから在庫を取得できなかったため同期をスキップしました")
		return SyncResult{}, nil
	}

	resolver, err := j.newCountryResolver(ctx, fetchedCountries)
	if err != nil {
		return SyncResult{}, err
	}

	now := j.now()
	records := make([]*model.NumberRecord, 0, len(fetchedNumbers))
	index := make(map[string]int, len(fetchedNumbers))
	for _, p := range fetchedNumbers {
		code := resolver.resolve(p.CountryName)
		rec := &model.NumberRecord{
			Number:      p.Number,
			CountryCode: code,
			CountryName: p.CountryName,
			Service:     p.Service,
			Range:       p.Range,
			Status:      p.Status,
		}
		// 同一番号が複数行ある場合は後の行を優先
		if i, ok := index[p.Number]; ok {
			records[i] = rec
			continue
		}
		index[p.Number] = len(records)
		records = append(records, rec)
	}

	counts := make(map[string]int)
	for _, rec := range records {
		counts[rec.CountryCode]++
	}

	countries := resolver.snapshot(counts, now)
	if len(countries) > 0 {
		if err := j.countries.UpsertMany(ctx, countries); err != nil {
			return SyncResult{}, fmt.Errorf("国一覧の保存に失敗しました: %w", err)
		}
	}

	if len(records) > 0 {
		if err := j.numbers.UpsertFromPanel(ctx, records, now); err != nil {
			return SyncResult{}, fmt.Errorf("番号一覧の保存に失敗しました: %w", err)
		}
	}
	j.metrics.RecordNumbersSynced(len(records))

	result := SyncResult{Countries: len(countries), Numbers: len(records)}
	j.logger.Info("在庫の同期が完了しました",
		slog.Int("countries", result.Countries),
		slog.Int("numbers", result.Numbers),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return result, nil
}

// countryResolver は番号一覧の国名を国コードへ解決する。
type countryResolver struct {
	byName map[string]*model.Country
	// fetched は今回保存する国。パネルの国一覧と番号一覧で参照された国からなる。
	fetched map[string]*model.Country
	order   []string
}

func (j *SyncJob) newCountryResolver(ctx context.Context, fetched []panel.ParsedCountry) (*countryResolver, error) {
	r := &countryResolver{
		byName:  make(map[string]*model.Country),
		fetched: make(map[string]*model.Country),
	}

	// パネルの国一覧が空の場合は保存済みの国で解決する
	if len(fetched) == 0 {
		known, err := j.countries.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("国一覧の取得に失敗しました: %w", err)
		}
		for _, c := range known {
			r.byName[normalizeName(c.Name)] = c
		}
		return r, nil
	}

	for _, pc := range fetched {
		c := &model.Country{Code: pc.Code, Name: pc.Name, Flag: pc.Flag, Active: true}
		r.add(c)
	}
	return r, nil
}

func (r *countryResolver) add(c *model.Country) {
	r.byName[normalizeName(c.Name)] = c
	if _, ok := r.fetched[c.Code]; !ok {
		r.order = append(r.order, c.Code)
	}
	r.fetched[c.Code] = c
}

// resolve は国名に対応する国コードを返す。未知の国名は国名自体をコードとして登録する。
func (r *countryResolver) resolve(name string) string {
	if c, ok := r.byName[normalizeName(name)]; ok {
		if _, seen := r.fetched[c.Code]; !seen {
			r.add(c)
		}
		return c.Code
	}
	name = strings.TrimSpace(name)
	r.add(&model.Country{
		Code:   name,
		Name:   name,
		Flag:   panel.FlagFor(name),
		Active: true,
	})
	return name
}

// snapshot は今回の同期で保存する国を番号数付きで返す。
func (r *countryResolver) snapshot(counts map[string]int, now time.Time) []*model.Country {
	out := make([]*model.Country, 0, len(r.order))
	for _, code := range r.order {
		c := *r.fetched[code]
		c.NumberCount = counts[code]
		c.UpdatedAt = now
		out = append(out, &c)
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
