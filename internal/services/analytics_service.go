package services

import (
	"context"
	"sort"
)

type AnalyticsService struct {
	catalog *Catalog
	store   RowLister
}

type ConditionStats struct {
	TopicKey    string  `json:"topic_key"`
	TopicTitle  string  `json:"topic_title"`
	NormKey     string  `json:"norm_key"`
	NormTitle   string  `json:"norm_title"`
	N           int     `json:"n"`
	MeanInitial float64 `json:"mean_initial"`
	MeanFinal   float64 `json:"mean_final"`
	MeanShift   float64 `json:"mean_shift"`
}

type AnalyticsTimeseries struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type AnalyticsSummary struct {
	TotalSessions int                   `json:"total_sessions"`
	RetiredRows   int                   `json:"retired_rows"`
	Conditions    []ConditionStats      `json:"conditions"`
	Imbalance     int                   `json:"imbalance"`
	Timeseries    []AnalyticsTimeseries `json:"timeseries"`
}

func NewAnalyticsService(catalog *Catalog, store RowLister) *AnalyticsService {
	return &AnalyticsService{catalog: catalog, store: store}
}

// Summary reports per-condition opinion shift and how balanced assignment is.
// Imbalance is the spread between the most and least used current conditions.
func (s *AnalyticsService) Summary(ctx context.Context) (*AnalyticsSummary, error) {
	rows, err := s.store.ListRows(ctx)
	if err != nil {
		return nil, NewStoreUnavailableError("list rows", err)
	}
	conds := s.catalog.Conditions()
	index := make(map[Condition]int, len(conds))
	stats := make([]ConditionStats, 0, len(conds))
	for i, c := range conds {
		t, _ := s.catalog.Topic(c.TopicKey)
		n, _ := s.catalog.Norm(c.NormKey)
		stats = append(stats, ConditionStats{TopicKey: c.TopicKey, TopicTitle: t.Title, NormKey: c.NormKey, NormTitle: n.Title})
		index[c] = i
	}
	sumInit := make([]int, len(conds))
	sumFinal := make([]int, len(conds))
	countsByDay := map[string]int{}
	retired := 0
	for _, r := range rows {
		countsByDay[r.CompletedAt.UTC().Format("2006-01-02")]++
		i, ok := index[Condition{TopicKey: r.TopicKey, NormKey: r.NormKey}]
		if !ok {
			retired++
			continue
		}
		stats[i].N++
		sumInit[i] += r.InitialOpinion
		sumFinal[i] += r.FinalOpinion
	}
	minN, maxN := -1, 0
	for i := range stats {
		if n := stats[i].N; n > 0 {
			stats[i].MeanInitial = float64(sumInit[i]) / float64(n)
			stats[i].MeanFinal = float64(sumFinal[i]) / float64(n)
			stats[i].MeanShift = stats[i].MeanFinal - stats[i].MeanInitial
		}
		if minN < 0 || stats[i].N < minN {
			minN = stats[i].N
		}
		if stats[i].N > maxN {
			maxN = stats[i].N
		}
	}
	return &AnalyticsSummary{
		TotalSessions: len(rows),
		RetiredRows:   retired,
		Conditions:    stats,
		Imbalance:     maxN - minN,
		Timeseries:    buildTimeseries(countsByDay),
	}, nil
}

func buildTimeseries(counts map[string]int) []AnalyticsTimeseries {
	days := make([]string, 0, len(counts))
	for d := range counts {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]AnalyticsTimeseries, 0, len(days))
	for _, d := range days {
		out = append(out, AnalyticsTimeseries{Date: d, Count: counts[d]})
	}
	return out
}
