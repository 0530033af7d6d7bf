package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Suggester probes a bounded forward horizon for slots that pass the
// conflict detector. The search is greedy by proximity to the
// requested time, not globally optimal: callers asked for a specific
// moment, so the nearest free slot beats a better-scored distant one.
type Suggester struct {
	detector *Detector
	store    Store
	logger   *zap.SugaredLogger

	horizon int // hourly offsets probed: +1..+horizon
	limit   int // max alternatives returned
}

func NewSuggester(detector *Detector, store Store, logger *zap.SugaredLogger, horizon, limit int) *Suggester {
	if horizon <= 0 {
		horizon = 6
	}
	if limit <= 0 {
		limit = 3
	}
	return &Suggester{
		detector: detector,
		store:    store,
		logger:   logger,
		horizon:  horizon,
		limit:    limit,
	}
}

// Suggest returns up to the configured number of conflict-free
// timestamps at hourly offsets after original. Every returned slot
// passed the full conflict check at the moment it was generated.
func (s *Suggester) Suggest(ctx context.Context, tenantID string, platform Platform, original time.Time, scope CheckScope) ([]time.Time, error) {
	var out []time.Time
	for offset := 1; offset <= s.horizon; offset++ {
		candidate := original.Add(time.Duration(offset) * time.Hour)

		conflicts, err := s.detector.Check(ctx, tenantID, platform, candidate, scope)
		if err != nil {
			return nil, fmt.Errorf("probe +%dh: %w", offset, err)
		}
		if len(conflicts) > 0 {
			continue
		}

		out = append(out, candidate)
		if len(out) >= s.limit {
			break
		}
	}
	return out, nil
}

// SuggestOptimal picks the best optimal posting time for the target
// date, by score, from the platform policy's slots for that day of
// week, keeping only slots that are still ahead of target and pass the
// conflict check. Returns the zero time and false when no slot fits.
func (s *Suggester) SuggestOptimal(ctx context.Context, tenantID string, platform Platform, target time.Time, scope CheckScope) (time.Time, bool, error) {
	rules, err := s.store.GetSchedulingRules(ctx, tenantID, platform)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load scheduling rules: %w", err)
	}

	slots := rules.OptimalIndex()[int(target.Weekday())]
	if len(slots) == 0 {
		return time.Time{}, false, nil
	}

	sorted := make([]OptimalTime, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	for _, slot := range sorted {
		candidate := time.Date(target.Year(), target.Month(), target.Day(), slot.Hour, 0, 0, 0, target.Location())
		if !candidate.After(target) {
			continue
		}

		conflicts, err := s.detector.Check(ctx, tenantID, platform, candidate, scope)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("check optimal slot %02d:00: %w", slot.Hour, err)
		}
		if len(conflicts) == 0 {
			s.logger.Debugw("Optimal slot selected",
				"tenant_id", tenantID,
				"platform", platform,
				"slot", candidate,
				"score", slot.Score,
			)
			return candidate, true, nil
		}
	}
	return time.Time{}, false, nil
}
