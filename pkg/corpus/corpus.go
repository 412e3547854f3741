// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package corpus implements the UnitPool: the in-memory store of accepted
// fuzzing inputs, their per-feature simplest-complexity bookkeeping, and
// the scoring pass that decides which units survive and how heavily each
// is weighted for mutation. The pool never touches storage directly; it
// hands back callbacks that a driver invokes against a World.
package corpus

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/corpusfuzz/engine/pkg/feature"
	"github.com/corpusfuzz/engine/pkg/prng"
)

// DefaultFavoredSelectionDenominator implements spec.md §6's
// favored_selection_odds default of 1/4: the favored unit is picked with
// probability 1/denominator.
const DefaultFavoredSelectionDenominator = 4

// UnitInfo is one accepted input and its scoring bookkeeping.
type UnitInfo struct {
	ID         uuid.UUID
	Unit       []byte
	Complexity float64
	Features   []feature.Feature

	// CoverageScore is recomputed by every UpdateScoresAndWeights call.
	CoverageScore float64

	flaggedForDeletion bool
}

// NewUnitInfo constructs a UnitInfo with a fresh identity, ready to Append.
func NewUnitInfo(unit []byte, complexity float64, feats []feature.Feature) UnitInfo {
	return UnitInfo{
		ID:         uuid.New(),
		Unit:       append([]byte(nil), unit...),
		Complexity: complexity,
		Features:   feats,
	}
}

// World is the abstract persistence adapter. The pool interacts with it
// only through the two operations below, returned wrapped in callbacks;
// it never performs I/O itself.
type World interface {
	AddToOutputCorpus(unit []byte) error
	RemoveFromOutputCorpus(unit []byte) error
}

// AddCallback persists a newly accepted unit when invoked against a World.
type AddCallback func(World) error

// RemoveCallback removes an evicted unit's bytes from a World.
type RemoveCallback func(World) error

// CorpusIndex addresses either an ordinary pool slot or the externally
// supplied favored unit. It is a closed two-variant sum type: favored
// carries no slot index and forbids writes. The zero value is
// NormalIndex(0).
type CorpusIndex struct {
	favored bool
	idx     int
}

// NormalIndex addresses the pool slot at i.
func NormalIndex(i int) CorpusIndex { return CorpusIndex{idx: i} }

// FavoredIndex addresses the pool's externally supplied favored unit.
func FavoredIndex() CorpusIndex { return CorpusIndex{favored: true} }

// IsFavored reports whether this index addresses the favored unit.
func (c CorpusIndex) IsFavored() bool { return c.favored }

// Idx returns the underlying slot index. Calling it on a favored index
// panics; favored has no slot.
func (c CorpusIndex) Idx() int {
	if c.favored {
		panic("corpus: Idx called on a Favored CorpusIndex")
	}
	return c.idx
}

// Config carries the pool's start-up constants.
type Config struct {
	// FavoredSelectionDenominator is the D in "pick favored with
	// probability 1/D". Zero selects the spec default of 4.
	FavoredSelectionDenominator uint64
	Metrics                     *Metrics
	// Logf receives diagnostic lines at increasing verbosity levels, the
	// same convention the teacher's Fuzzer.Logf uses (0 is user-facing,
	// higher levels are progressively noisier). Nil drops everything.
	Logf func(level int, format string, args ...any)
}

// Pool is the UnitPool: accepted-input storage plus the scoring state
// spec.md §4.5 defines. None of its methods touch I/O.
//
// mu guards every field below it. The steady-state instrumentation path
// (pkg/tracepc) stays lock-free per spec.md §5; this lock only protects
// the pool's own rescoring pass and bookkeeping, which the driver loop
// calls between executions, not from within a callback.
type Pool struct {
	cfg Config

	mu sync.RWMutex

	units             []UnitInfo
	cumulativeWeights []float64
	coverageScore     float64

	smallestComplexityForFeature map[feature.ReducedKey]float64

	favoredUnit *UnitInfo
}

// NewPool constructs an empty Pool.
func NewPool(cfg Config) *Pool {
	if cfg.FavoredSelectionDenominator == 0 {
		cfg.FavoredSelectionDenominator = DefaultFavoredSelectionDenominator
	}
	return &Pool{
		cfg:                          cfg,
		smallestComplexityForFeature: make(map[feature.ReducedKey]float64),
	}
}

func (p *Pool) logf(level int, format string, args ...any) {
	if p.cfg.Logf != nil {
		p.cfg.Logf(level, format, args...)
	}
}

// SetFavoredUnit installs an externally supplied unit that receives
// nonzero selection weight independent of scoring. Pass nil to clear it.
func (p *Pool) SetFavoredUnit(u *UnitInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.favoredUnit = u
}

// Len returns the number of ordinary (non-favored) units currently held.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.units)
}

// CoverageScore returns the pool's total coverage score, the sum of every
// live unit's CoverageScore.
func (p *Pool) CoverageScore() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coverageScore
}

// CumulativeWeights returns a snapshot of the current prefix-sum weight
// table, for tests and diagnostics.
func (p *Pool) CumulativeWeights() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]float64(nil), p.cumulativeWeights...)
}

// TrackedFeatures returns every reduced feature key ever seen by the
// pool, including ones whose simplest carrier has since been evicted. Its
// length is a useful pool-health diagnostic: it only ever grows.
func (p *Pool) TrackedFeatures() []feature.ReducedKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Keys(p.smallestComplexityForFeature)
}

// Append records a newly accepted unit, updates the per-feature
// simplest-complexity map, and returns a callback that persists it to a
// World's output corpus. Per spec.md §4.5, the map tracks the smallest
// complexity ever seen for a feature, not just among currently-live
// units, so it is never raised back up on eviction.
func (p *Pool) Append(u UnitInfo) AddCallback {
	p.mu.Lock()
	for _, f := range u.Features {
		key := f.Reduced()
		if cur, ok := p.smallestComplexityForFeature[key]; !ok || u.Complexity < cur {
			p.smallestComplexityForFeature[key] = u.Complexity
		}
	}
	p.units = append(p.units, u)
	poolSize := len(p.units)
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.observeAppend(poolSize)
	}
	p.logf(2, "corpus: accepted unit %s (complexity=%.4f, features=%d)", u.ID, u.Complexity, len(u.Features))

	unitCopy := append([]byte(nil), u.Unit...)
	return func(w World) error { return w.AddToOutputCorpus(unitCopy) }
}

// complexityRatio computes r(u, f) = (s_f / c_u)^2, spec.md §4.5.
func complexityRatio(smallest, complexity float64) float64 {
	r := smallest / complexity
	return r * r
}

// UpdateScoresAndWeights runs the four-pass rescoring algorithm (spec.md
// §4.5): flag units that carry no feature at its tracked simplest
// complexity, aggregate each surviving unit's complexity-ratio share of
// every feature it carries, distribute each feature's fixed score budget
// proportionally to that share, then compact the flagged units out and
// rebuild the cumulative weight table. It returns one RemoveCallback per
// evicted unit, for the caller to batch against a World.
func (p *Pool) UpdateScoresAndWeights() []RemoveCallback {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Pass 1: flag every unit, then clear the flag on any that uniquely
	// (or jointly) carry some feature at its globally smallest complexity.
	for i := range p.units {
		u := &p.units[i]
		u.flaggedForDeletion = true
		for _, f := range u.Features {
			smallest := p.smallestComplexityForFeature[f.Reduced()]
			if complexityRatio(smallest, u.Complexity) == 1 {
				u.flaggedForDeletion = false
			}
		}
	}

	// Pass 2: aggregate sum_ratios per reduced feature key, over surviving
	// units only.
	sumRatios := make(map[feature.ReducedKey]float64)
	for _, u := range p.units {
		if u.flaggedForDeletion {
			continue
		}
		for _, f := range u.Features {
			key := f.Reduced()
			smallest := p.smallestComplexityForFeature[key]
			sumRatios[key] += complexityRatio(smallest, u.Complexity)
		}
	}

	// Pass 3: distribute each feature's fixed score budget proportionally.
	p.coverageScore = 0
	for i := range p.units {
		u := &p.units[i]
		if u.flaggedForDeletion {
			continue
		}
		var total float64
		for _, f := range u.Features {
			key := f.Reduced()
			smallest := p.smallestComplexityForFeature[key]
			ratio := complexityRatio(smallest, u.Complexity)
			base := f.Score() / sumRatios[key]
			total += base * ratio
		}
		u.CoverageScore = total
		p.coverageScore += total
	}

	// Pass 4: compact. Flagged units are removed; the callbacks below are
	// in the survivors-preserved, evicted-collected order.
	survivors := p.units[:0]
	var removed []RemoveCallback
	for _, u := range p.units {
		if u.flaggedForDeletion {
			unitCopy := append([]byte(nil), u.Unit...)
			removed = append(removed, func(w World) error { return w.RemoveFromOutputCorpus(unitCopy) })
			continue
		}
		survivors = append(survivors, u)
	}
	p.units = survivors
	p.rebuildCumulativeWeights()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.observeRescored(len(p.units), p.coverageScore, len(removed))
	}
	if len(removed) > 0 {
		p.logf(1, "corpus: rescored pool, evicted %d unit(s), %d survive (coverage_score=%.4f)",
			len(removed), len(p.units), p.coverageScore)
	}
	return removed
}

func (p *Pool) rebuildCumulativeWeights() {
	p.cumulativeWeights = make([]float64, len(p.units))
	var running float64
	for i, u := range p.units {
		running += u.CoverageScore
		p.cumulativeWeights[i] = running
	}
}

// ChooseUnitIdxToMutate picks the next unit to mutate. If a favored unit
// is present it is returned with probability 1/FavoredSelectionDenominator;
// otherwise (or if the pool is empty) a weighted pick over cumulative
// coverage scores selects an ordinary unit. Calling this on an empty pool
// with no favored unit is a precondition violation.
func (p *Pool) ChooseUnitIdxToMutate(r *prng.Rand) CorpusIndex {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.favoredUnit != nil {
		if r.IntRange(0, p.cfg.FavoredSelectionDenominator) == 0 {
			return FavoredIndex()
		}
		if len(p.units) == 0 {
			return FavoredIndex()
		}
	} else if len(p.units) == 0 {
		panic("corpus: ChooseUnitIdxToMutate called on an empty pool with no favored unit")
	}
	return NormalIndex(weightedPickFloat(r, p.cumulativeWeights))
}

// weightedPickFloat generalizes prng.Rand.WeightedPick to continuous
// coverage scores: it draws a uniform point in [0, total) by scaling a
// Uint64 draw, then binary-searches for the first cumulative weight at or
// past that point. prng.WeightedPick cannot be reused directly because it
// is specified over exact integer weights (spec.md §4.1, §8 S6); coverage
// scores are real-valued sums of complexity ratios.
func weightedPickFloat(r *prng.Rand, cumulativeWeights []float64) int {
	if len(cumulativeWeights) == 0 {
		panic("corpus: weightedPickFloat called with no weights")
	}
	total := cumulativeWeights[len(cumulativeWeights)-1]
	if total <= 0 {
		panic("corpus: weightedPickFloat called with zero total weight")
	}
	const twoPow64 = 18446744073709551616.0
	target := (float64(r.Uint64()) / twoPow64) * total
	lo, hi := 0, len(cumulativeWeights)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if cumulativeWeights[mid] < target {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// At returns the unit addressed by idx.
func (p *Pool) At(idx CorpusIndex) UnitInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if idx.favored {
		if p.favoredUnit == nil {
			panic("corpus: At(Favored) called with no favored unit set")
		}
		return *p.favoredUnit
	}
	return p.units[idx.idx]
}

// Set overwrites the unit addressed by idx. Writing to Favored is
// forbidden.
func (p *Pool) Set(idx CorpusIndex, u UnitInfo) {
	if idx.favored {
		panic("corpus: write to Favored CorpusIndex is forbidden")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units[idx.idx] = u
}

// DeleteUnit removes an ordinary unit immediately (independent of the
// batched eviction UpdateScoresAndWeights performs) and returns a
// callback that removes it from a World's output corpus. Deleting the
// favored unit is forbidden.
func (p *Pool) DeleteUnit(idx CorpusIndex) RemoveCallback {
	if idx.favored {
		panic("corpus: deleting the favored unit is forbidden")
	}
	p.mu.Lock()
	u := p.units[idx.idx]
	p.units = slices.Delete(p.units, idx.idx, idx.idx+1)
	p.coverageScore -= u.CoverageScore
	p.rebuildCumulativeWeights()
	poolSize, coverageScore := len(p.units), p.coverageScore
	p.mu.Unlock()

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.units.Set(float64(poolSize))
		p.cfg.Metrics.coverageScore.Set(coverageScore)
	}

	unitCopy := append([]byte(nil), u.Unit...)
	return func(w World) error { return w.RemoveFromOutputCorpus(unitCopy) }
}

// String renders a compact summary, useful in driver-loop log lines.
func (p *Pool) String() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fmt.Sprintf("corpus.Pool{units=%d, coverage_score=%.4f}", len(p.units), p.coverageScore)
}
