package services

import (
	"context"
	"log/slog"
	"math/rand/v2"
)

// ConditionAssigner picks the least-used condition, breaking ties uniformly at random.
// The tally is recomputed from the store on every call.
type ConditionAssigner struct {
	catalog  *Catalog
	store    RowReader
	logger   *slog.Logger
	intn     func(n int) int
	fallback bool
}

type AssignerOption func(*ConditionAssigner)

// WithFallback makes a failed store scan return the first catalog pair instead of an error.
func WithFallback(enabled bool) AssignerOption {
	return func(a *ConditionAssigner) { a.fallback = enabled }
}

// WithRand overrides the tie-breaking source; intn must return a value in [0, n).
func WithRand(intn func(n int) int) AssignerOption {
	return func(a *ConditionAssigner) { a.intn = intn }
}

func NewConditionAssigner(catalog *Catalog, store RowReader, logger *slog.Logger, opts ...AssignerOption) *ConditionAssigner {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ConditionAssigner{catalog: catalog, store: store, logger: logger, intn: rand.IntN}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assignment is the result of Pick. Warning is set when the fallback path was taken.
type Assignment struct {
	Condition Condition
	Warning   string
}

// Tally counts prior sessions per condition. Rows whose keys left the catalog are ignored.
func (a *ConditionAssigner) Tally(ctx context.Context) (map[Condition]int, error) {
	counts := make(map[Condition]int, len(a.catalog.Topics)*len(a.catalog.Norms))
	for _, c := range a.catalog.Conditions() {
		counts[c] = 0
	}
	used, err := a.store.ListConditions(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range used {
		if _, ok := counts[c]; ok {
			counts[c]++
		}
	}
	return counts, nil
}

// Pick returns a condition tied for the minimum count. Conditions in exclude are
// skipped as long as some other candidate remains.
func (a *ConditionAssigner) Pick(ctx context.Context, exclude ...Condition) (Assignment, error) {
	counts, err := a.Tally(ctx)
	if err != nil {
		if !a.fallback {
			return Assignment{}, NewStoreUnavailableError("scan condition tally", err)
		}
		first := Condition{TopicKey: a.catalog.Topics[0].Key, NormKey: a.catalog.Norms[0].Key}
		a.logger.Warn("condition tally unavailable, using first catalog pair",
			"topic", first.TopicKey, "norm", first.NormKey, "err", err)
		return Assignment{Condition: first, Warning: "condition tally unavailable; deterministic fallback used"}, nil
	}
	all := a.catalog.Conditions()
	candidates := withoutConditions(all, exclude)
	if len(candidates) == 0 {
		candidates = all
	}
	return Assignment{Condition: a.leastUsed(candidates, counts)}, nil
}

func (a *ConditionAssigner) leastUsed(candidates []Condition, counts map[Condition]int) Condition {
	minCount := -1
	var tied []Condition
	for _, c := range candidates {
		n := counts[c]
		switch {
		case minCount < 0 || n < minCount:
			minCount = n
			tied = append(tied[:0], c)
		case n == minCount:
			tied = append(tied, c)
		}
	}
	return tied[a.intn(len(tied))]
}

func withoutConditions(all, exclude []Condition) []Condition {
	if len(exclude) == 0 {
		return all
	}
	skip := make(map[Condition]struct{}, len(exclude))
	for _, c := range exclude {
		skip[c] = struct{}{}
	}
	out := make([]Condition, 0, len(all))
	for _, c := range all {
		if _, ok := skip[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
