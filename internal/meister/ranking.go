package meister

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

// privacyCooldown is the rolling window within which a student may toggle
// their ranking privacy only once.
const privacyCooldown = 24 * time.Hour

var defaultTierRank = map[domain.ResultType]int{
	domain.ResultSuccess:    0,
	domain.ResultLoginError: 1,
	domain.ResultPrivate:    2,
}

// RankingService derives the privacy-aware leaderboard from the record
// store and owns the privacy toggle.
type RankingService struct {
	store    RecordStore
	cache    RankingCache
	tierRank map[domain.ResultType]int
	logger   *slog.Logger
}

// NewRankingService creates a new ranking service. The tier order from the
// configuration pins how classifications compare in the final sort; the
// default is SUCCESS before LOGIN_ERROR before PRIVATE.
func NewRankingService(store RecordStore, cfg *config.RankingConfig, logger *slog.Logger) *RankingService {
	return &RankingService{
		store:    store,
		tierRank: tierRankFrom(cfg.TierOrder),
		logger:   logger,
	}
}

// SetCache attaches the ranking cache for top-N reads
func (s *RankingService) SetCache(cache RankingCache) {
	s.cache = cache
}

func tierRankFrom(order []string) map[domain.ResultType]int {
	byName := map[string]domain.ResultType{
		"success":     domain.ResultSuccess,
		"login_error": domain.ResultLoginError,
		"private":     domain.ResultPrivate,
	}
	ranks := make(map[domain.ResultType]int, len(order))
	for i, name := range order {
		result, ok := byName[name]
		if !ok {
			return defaultTierRank
		}
		ranks[result] = i
	}
	if len(ranks) != len(defaultTierRank) {
		return defaultTierRank
	}
	return ranks
}

// UpdatePrivacy toggles whether the student appears with real numbers on
// the shared ranking. Toggling is limited to once per rolling 24 hours; a
// rejected attempt reports the remaining wait.
func (s *RankingService) UpdatePrivacy(ctx context.Context, viewer domain.Student, private bool) error {
	meta, err := s.store.GetMetadata(ctx, viewer.StudentID)
	if err != nil {
		return err
	}

	now := time.Now()
	availableAt := meta.LastPrivacyChangeAt.Add(privacyCooldown)
	if now.Before(availableAt) {
		return &domain.RateLimitError{RetryAfter: availableAt.Sub(now)}
	}

	if err := s.store.UpdatePrivacy(ctx, viewer.StudentID, private, now); err != nil {
		return err
	}

	// Keep the shared score cache in step with the new visibility
	if s.cache != nil {
		if private {
			if err := s.cache.Remove(ctx, viewer.StudentID); err != nil {
				s.logger.Warn("failed to drop student from ranking cache", "student_id", viewer.StudentID, "error", err)
			}
		} else if rec, err := s.store.GetRecord(ctx, viewer.StudentID); err == nil && !meta.LoginError {
			if err := s.cache.SetScore(ctx, viewer.StudentID, rec.Score); err != nil {
				s.logger.Warn("failed to restore student in ranking cache", "student_id", viewer.StudentID, "error", err)
			}
		}
	}
	return nil
}

// GetRanking builds the leaderboard for the viewer. The viewer must pass
// the shared visibility rule; a refused viewer gets no entries at all.
// Entries sort by the composite key (tierRank, -score): classification tier
// first, then descending score among SUCCESS entries, with grade/class/
// number as a deterministic tiebreak.
func (s *RankingService) GetRanking(ctx context.Context, viewer domain.Student) ([]domain.RankingEntry, error) {
	viewerMeta, err := s.store.GetMetadata(ctx, viewer.StudentID)
	if err != nil {
		return nil, err
	}
	if err := CheckViewer(viewerMeta); err != nil {
		return nil, err
	}

	rows, err := s.store.ListRankingRows(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]domain.RankingEntry, 0, len(rows))
	for _, row := range rows {
		entry := domain.RankingEntry{
			Student: row.Student.Ref(),
			Result:  domain.Classify(row.Meta),
		}
		if entry.Result == domain.ResultSuccess {
			score := row.Record.Score
			positive := row.Record.PositivePoint
			negative := row.Record.NegativePoint
			lastUpdate := row.Record.ModifiedAt
			entry.Score = &score
			entry.PositivePoint = &positive
			entry.NegativePoint = &negative
			entry.LastUpdate = &lastUpdate
		}
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := s.tierRank[entries[i].Result], s.tierRank[entries[j].Result]
		if ti != tj {
			return ti < tj
		}
		si, sj := entryScore(entries[i]), entryScore(entries[j])
		if si != sj {
			return si > sj
		}
		return lessByIdentity(entries[i].Student, entries[j].Student)
	})

	return entries, nil
}

// TopScores returns the highest cached scores from the ranking cache.
func (s *RankingService) TopScores(ctx context.Context, n int) ([]domain.CachedScore, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.TopN(ctx, n)
}

func entryScore(e domain.RankingEntry) float64 {
	if e.Score == nil {
		return 0
	}
	return *e.Score
}

func lessByIdentity(a, b domain.StudentRef) bool {
	if a.Grade != b.Grade {
		return a.Grade < b.Grade
	}
	if a.ClassNo != b.ClassNo {
		return a.ClassNo < b.ClassNo
	}
	return a.StudentNo < b.StudentNo
}
