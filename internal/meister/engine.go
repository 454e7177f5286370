// Package meister holds the synchronization and ranking core: fetching
// score and conduct-point data from the external meister portal, caching it,
// and deriving the privacy-aware leaderboard.
package meister

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qlido/BSM-Backend-V2/internal/domain"
	"github.com/qlido/BSM-Backend-V2/internal/extract"
)

// RecordStore is the durable keyed store for students and their meister
// record pairs.
type RecordStore interface {
	GetStudent(ctx context.Context, studentID string) (domain.Student, error)
	FindStudent(ctx context.Context, grade, classNo, studentNo int) (domain.Student, error)
	ListActiveStudents(ctx context.Context) ([]domain.Student, error)
	GetMetadata(ctx context.Context, studentID string) (domain.SyncMetadata, error)
	ListMetadata(ctx context.Context) (map[string]domain.SyncMetadata, error)
	GetRecord(ctx context.Context, studentID string) (domain.AcademicRecord, error)
	FindOrCreate(ctx context.Context, student domain.Student) (domain.AcademicRecord, domain.SyncMetadata, error)
	SaveRefreshResult(ctx context.Context, rec domain.AcademicRecord, loginError bool) error
	MarkLoginError(ctx context.Context, studentID string, at time.Time) error
	UpdatePrivacy(ctx context.Context, studentID string, private bool, at time.Time) error
	ListRankingRows(ctx context.Context) ([]domain.RankingRow, error)
}

// Session is one authenticated portal conversation: login, two fetches,
// best-effort logout.
type Session interface {
	Login(ctx context.Context, student domain.Student, password string) error
	FetchScoreHTML(ctx context.Context, studentID string) (string, error)
	FetchPointHTML(ctx context.Context) (string, error)
	Logout(ctx context.Context)
}

// SessionFactory opens a fresh portal session. Sessions are scoped to a
// single refresh and never reused.
type SessionFactory func() (Session, error)

// RankingCache mirrors successful scores for cheap top-N reads.
type RankingCache interface {
	SetScore(ctx context.Context, studentID string, score float64) error
	Remove(ctx context.Context, studentID string) error
	TopN(ctx context.Context, n int) ([]domain.CachedScore, error)
	Rebuild(ctx context.Context, scores map[string]float64) error
}

// EventSink receives sync-outcome audit events.
type EventSink interface {
	PublishSyncEvent(ctx context.Context, event domain.SyncEvent) error
}

// Notifier is told about fresh scores so connected clients can re-render.
type Notifier interface {
	NotifyScoreUpdate(studentID string, score float64)
}

// Engine orchestrates portal sessions, extraction and the record store to
// answer "give me fresh-enough data for student X".
type Engine struct {
	store    RecordStore
	sessions SessionFactory
	cache    RankingCache
	events   EventSink
	notifier Notifier
	logger   *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(store RecordStore, sessions SessionFactory, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		sessions: sessions,
		logger:   logger,
	}
}

// SetCache attaches the ranking cache for score mirroring
func (e *Engine) SetCache(cache RankingCache) {
	e.cache = cache
}

// SetEvents attaches the audit event sink
func (e *Engine) SetEvents(events EventSink) {
	e.events = events
}

// SetNotifier attaches the live-update notifier
func (e *Engine) SetNotifier(notifier Notifier) {
	e.notifier = notifier
}

// GetCached returns the student's status from cache when the record was
// synchronized on the current calendar day, including the login-error
// rendering; otherwise it refreshes with the student's own credentials.
func (e *Engine) GetCached(ctx context.Context, student domain.Student) (domain.Status, error) {
	rec, err := e.store.GetRecord(ctx, student.StudentID)
	if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return domain.Status{}, err
	}
	if err == nil && sameDay(rec.ModifiedAt, time.Now()) {
		meta, err := e.store.GetMetadata(ctx, student.StudentID)
		if err != nil {
			return domain.Status{}, err
		}
		return renderStatus(rec, meta), nil
	}
	return e.Refresh(ctx, student, "")
}

// Refresh performs one full portal round-trip for the student and persists
// the result. An empty password means the default self-login, using the
// student's own identifier; a credential rejection there is absorbed into
// the login-error state and returned as a renderable status. A rejection of
// an explicitly supplied password propagates instead, leaving the student's
// state untouched, so a viewer mistyping a password cannot poison the
// target's record.
func (e *Engine) Refresh(ctx context.Context, student domain.Student, password string) (domain.Status, error) {
	rec, meta, err := e.store.FindOrCreate(ctx, student)
	if err != nil {
		return domain.Status{}, err
	}

	selfLogin := password == ""
	if selfLogin {
		password = student.StudentID
	}

	sess, err := e.sessions()
	if err != nil {
		return domain.Status{}, &domain.TransportError{Op: "session", Err: err}
	}

	if err := sess.Login(ctx, student, password); err != nil {
		if errors.Is(err, domain.ErrCredentialRejected) {
			if !selfLogin {
				return domain.Status{}, err
			}
			now := time.Now()
			if err := e.store.MarkLoginError(ctx, student.StudentID, now); err != nil {
				return domain.Status{}, err
			}
			meta.LoginError = true
			rec.ModifiedAt = now
			if e.cache != nil {
				if err := e.cache.Remove(ctx, student.StudentID); err != nil {
					e.logger.Warn("failed to drop student from ranking cache", "student_id", student.StudentID, "error", err)
				}
			}
			e.publishEvent(ctx, domain.SyncEvent{
				StudentID: student.StudentID,
				Outcome:   domain.SyncOutcomeCredentialRejected,
				Timestamp: now,
			})
			return renderStatus(rec, meta), nil
		}
		e.publishEvent(ctx, domain.SyncEvent{
			StudentID: student.StudentID,
			Outcome:   domain.SyncOutcomeTransportError,
			Timestamp: time.Now(),
		})
		return domain.Status{}, err
	}
	defer sess.Logout(ctx)

	scoreHTML, err := sess.FetchScoreHTML(ctx, student.StudentID)
	if err != nil {
		return domain.Status{}, err
	}
	pointHTML, err := sess.FetchPointHTML(ctx)
	if err != nil {
		return domain.Status{}, err
	}

	score, err := extract.Score(scoreHTML)
	if err != nil {
		return domain.Status{}, err
	}
	positive, negative, err := extract.Points(pointHTML)
	if err != nil {
		return domain.Status{}, err
	}

	rec.Score = score
	rec.PositivePoint = positive
	rec.NegativePoint = negative
	rec.ScoreRawHTML = scoreHTML
	rec.PointRawHTML = pointHTML
	rec.ModifiedAt = time.Now()
	meta.LoginError = false

	if err := e.store.SaveRefreshResult(ctx, rec, false); err != nil {
		return domain.Status{}, err
	}

	// Private students never enter the shared score cache
	if e.cache != nil && !meta.PrivateRanking {
		if err := e.cache.SetScore(ctx, student.StudentID, score); err != nil {
			e.logger.Warn("failed to update ranking cache", "student_id", student.StudentID, "error", err)
		}
	}
	if e.notifier != nil {
		e.notifier.NotifyScoreUpdate(student.StudentID, score)
	}
	e.publishEvent(ctx, domain.SyncEvent{
		StudentID: student.StudentID,
		Outcome:   domain.SyncOutcomeSuccess,
		Score:     score,
		Timestamp: rec.ModifiedAt,
	})

	return renderStatus(rec, meta), nil
}

// RefreshByID resolves a student from the directory and refreshes with
// default credentials. Used by the queued refresh path.
func (e *Engine) RefreshByID(ctx context.Context, studentID string) (domain.Status, error) {
	student, err := e.store.GetStudent(ctx, studentID)
	if err != nil {
		return domain.Status{}, err
	}
	return e.Refresh(ctx, student, "")
}

// Detail refreshes and returns the status of the student addressed by the
// grade/class/number triple on the viewer's behalf. A viewer probing
// someone else must pass the viewer permission check, and the target must
// not have opted out of sharing.
func (e *Engine) Detail(ctx context.Context, viewer domain.Student, grade, classNo, studentNo int, password string) (domain.Status, error) {
	target, err := e.store.FindStudent(ctx, grade, classNo, studentNo)
	if err != nil {
		return domain.Status{}, err
	}

	if target.StudentID != viewer.StudentID {
		viewerMeta, err := e.store.GetMetadata(ctx, viewer.StudentID)
		if err != nil {
			return domain.Status{}, err
		}
		if err := CheckViewer(viewerMeta); err != nil {
			return domain.Status{}, err
		}
	}

	_, targetMeta, err := e.store.FindOrCreate(ctx, target)
	if err != nil {
		return domain.Status{}, err
	}
	if targetMeta.PrivateRanking && target.StudentID != viewer.StudentID {
		return domain.Status{}, domain.ErrPermissionDenied
	}

	return e.Refresh(ctx, target, password)
}

// CheckViewer enforces the shared visibility rule: a viewer whose own sync
// is broken, or who hides their own numbers, may not look at others.
func CheckViewer(meta domain.SyncMetadata) error {
	if meta.LoginError {
		return domain.ErrPermissionDenied
	}
	if meta.PrivateRanking {
		return domain.ErrPermissionDenied
	}
	return nil
}

func (e *Engine) publishEvent(ctx context.Context, event domain.SyncEvent) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishSyncEvent(ctx, event); err != nil {
		e.logger.Warn("failed to publish sync event", "student_id", event.StudentID, "error", err)
	}
}

// renderStatus builds the caller-facing status. Records flagged with a
// login error never surface their numeric fields.
func renderStatus(rec domain.AcademicRecord, meta domain.SyncMetadata) domain.Status {
	if meta.LoginError {
		return domain.Status{
			StudentID:  rec.StudentID,
			LastUpdate: rec.ModifiedAt,
			LoginError: true,
		}
	}
	return domain.Status{
		StudentID:     rec.StudentID,
		Score:         rec.Score,
		PositivePoint: rec.PositivePoint,
		NegativePoint: rec.NegativePoint,
		LastUpdate:    rec.ModifiedAt,
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
