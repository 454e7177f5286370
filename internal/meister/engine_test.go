package meister

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

const (
	testScoreHTML = `<table><tr><td>홍길동</td><td>87.5</td></tr></table>`
	testPointHTML = `<div>상점 내역 (상점 : 5)</div><div>벌점 내역 (벌점 : 2)</div>`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngineStudent() domain.Student {
	return domain.Student{StudentID: "hong", Grade: 2, ClassNo: 3, StudentNo: 14, Name: "홍길동"}
}

// sessionRecorder hands out scripted sessions and counts how many were opened.
type sessionRecorder struct {
	sessions []*fakeSession
	opened   int
	err      error
}

func (r *sessionRecorder) factory() SessionFactory {
	return func() (Session, error) {
		if r.err != nil {
			return nil, r.err
		}
		sess := &fakeSession{scoreHTML: testScoreHTML, pointHTML: testPointHTML}
		r.sessions = append(r.sessions, sess)
		r.opened++
		return sess, nil
	}
}

func TestRefreshSuccess(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)

	rec := &sessionRecorder{}
	engine := NewEngine(store, rec.factory(), testLogger())
	cache := newFakeCache()
	engine.SetCache(cache)
	sink := &fakeSink{}
	engine.SetEvents(sink)

	status, err := engine.Refresh(context.Background(), student, "")
	require.NoError(t, err)
	require.Equal(t, "hong", status.StudentID)
	require.Equal(t, 87.5, status.Score)
	require.Equal(t, 5, status.PositivePoint)
	require.Equal(t, 2, status.NegativePoint)
	require.False(t, status.LoginError)
	require.WithinDuration(t, time.Now(), status.LastUpdate, 5*time.Second)

	saved, err := store.GetRecord(context.Background(), "hong")
	require.NoError(t, err)
	require.Equal(t, 87.5, saved.Score)
	require.Equal(t, testScoreHTML, saved.ScoreRawHTML)
	require.Equal(t, testPointHTML, saved.PointRawHTML)

	meta, err := store.GetMetadata(context.Background(), "hong")
	require.NoError(t, err)
	require.False(t, meta.LoginError)

	require.Len(t, rec.sessions, 1)
	require.True(t, rec.sessions[0].loggedOut, "session must be closed after a successful refresh")

	require.Equal(t, 87.5, cache.scores["hong"])

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.SyncOutcomeSuccess, sink.events[0].Outcome)
}

func TestRefreshDefaultLoginUsesStudentID(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)

	var gotPassword string
	factory := func() (Session, error) {
		return &fakeSession{
			loginFn: func(_ domain.Student, password string) error {
				gotPassword = password
				return nil
			},
			scoreHTML: testScoreHTML,
			pointHTML: testPointHTML,
		}, nil
	}
	engine := NewEngine(store, factory, testLogger())

	_, err := engine.Refresh(context.Background(), student, "")
	require.NoError(t, err)
	require.Equal(t, "hong", gotPassword)
}

func TestRefreshCredentialRejectedSelfLogin(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)

	factory := func() (Session, error) {
		return &fakeSession{
			loginFn: func(domain.Student, string) error { return domain.ErrCredentialRejected },
		}, nil
	}
	engine := NewEngine(store, factory, testLogger())
	cache := newFakeCache()
	cache.scores["hong"] = 50
	engine.SetCache(cache)
	sink := &fakeSink{}
	engine.SetEvents(sink)

	status, err := engine.Refresh(context.Background(), student, "")
	require.NoError(t, err, "a rejected default login renders, it does not fail")
	require.True(t, status.LoginError)
	require.Zero(t, status.Score)
	require.Zero(t, status.PositivePoint)

	meta, err := store.GetMetadata(context.Background(), "hong")
	require.NoError(t, err)
	require.True(t, meta.LoginError)

	// the record is stamped so the flag is served from cache for the rest
	// of the day
	rec, err := store.GetRecord(context.Background(), "hong")
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), rec.ModifiedAt, 5*time.Second)

	require.NotContains(t, cache.scores, "hong")

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.SyncOutcomeCredentialRejected, sink.events[0].Outcome)
}

func TestRefreshCredentialRejectedExplicitPassword(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)

	factory := func() (Session, error) {
		return &fakeSession{
			loginFn: func(domain.Student, string) error { return domain.ErrCredentialRejected },
		}, nil
	}
	engine := NewEngine(store, factory, testLogger())

	_, err := engine.Refresh(context.Background(), student, "wrong-pw")
	require.ErrorIs(t, err, domain.ErrCredentialRejected)

	// a viewer mistyping a password must not flag the target
	meta, err := store.GetMetadata(context.Background(), "hong")
	require.NoError(t, err)
	require.False(t, meta.LoginError)
}

func TestRefreshTransportErrorPropagates(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)
	store.setRecord(domain.AcademicRecord{StudentID: "hong", Score: 70})

	factory := func() (Session, error) {
		return &fakeSession{
			loginFn: func(domain.Student, string) error {
				return &domain.TransportError{Op: "login", Err: errors.New("connection refused")}
			},
		}, nil
	}
	engine := NewEngine(store, factory, testLogger())
	sink := &fakeSink{}
	engine.SetEvents(sink)

	_, err := engine.Refresh(context.Background(), student, "")
	require.True(t, domain.IsTransportError(err))

	// the previous record survives untouched
	rec, err := store.GetRecord(context.Background(), "hong")
	require.NoError(t, err)
	require.Equal(t, 70.0, rec.Score)

	meta, err := store.GetMetadata(context.Background(), "hong")
	require.NoError(t, err)
	require.False(t, meta.LoginError)

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.SyncOutcomeTransportError, sink.events[0].Outcome)
}

func TestGetCachedServesSameDayRecord(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)
	store.setMeta("hong", func(*domain.SyncMetadata) {})
	store.setRecord(domain.AcademicRecord{
		StudentID:     "hong",
		Score:         91.2,
		PositivePoint: 3,
		NegativePoint: 1,
		ModifiedAt:    time.Now().Add(-time.Hour),
	})

	rec := &sessionRecorder{}
	engine := NewEngine(store, rec.factory(), testLogger())

	status, err := engine.GetCached(context.Background(), student)
	require.NoError(t, err)
	require.Equal(t, 91.2, status.Score)
	require.Equal(t, 3, status.PositivePoint)
	require.Zero(t, rec.opened, "a same-day record must not open a portal session")
}

func TestGetCachedLoginErrorShape(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)
	store.setMeta("hong", func(m *domain.SyncMetadata) { m.LoginError = true })
	store.setRecord(domain.AcademicRecord{
		StudentID:  "hong",
		Score:      91.2,
		ModifiedAt: time.Now(),
	})

	rec := &sessionRecorder{}
	engine := NewEngine(store, rec.factory(), testLogger())

	status, err := engine.GetCached(context.Background(), student)
	require.NoError(t, err)
	require.True(t, status.LoginError)
	require.Zero(t, status.Score, "flagged records never surface numbers")
	require.Zero(t, rec.opened)
}

func TestGetCachedStaleRecordRefreshes(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)
	store.setMeta("hong", func(*domain.SyncMetadata) {})
	store.setRecord(domain.AcademicRecord{
		StudentID:  "hong",
		Score:      10,
		ModifiedAt: time.Now().AddDate(0, 0, -1),
	})

	rec := &sessionRecorder{}
	engine := NewEngine(store, rec.factory(), testLogger())

	status, err := engine.GetCached(context.Background(), student)
	require.NoError(t, err)
	require.Equal(t, 87.5, status.Score)
	require.Equal(t, 1, rec.opened)
}

func TestRefreshPrivateStudentSkipsCache(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)
	store.setMeta("hong", func(m *domain.SyncMetadata) { m.PrivateRanking = true })

	rec := &sessionRecorder{}
	engine := NewEngine(store, rec.factory(), testLogger())
	cache := newFakeCache()
	engine.SetCache(cache)

	_, err := engine.Refresh(context.Background(), student, "")
	require.NoError(t, err)
	require.NotContains(t, cache.scores, "hong")
}

func TestRefreshByID(t *testing.T) {
	store := newFakeStore()
	student := testEngineStudent()
	store.addStudent(student)

	rec := &sessionRecorder{}
	engine := NewEngine(store, rec.factory(), testLogger())

	status, err := engine.RefreshByID(context.Background(), "hong")
	require.NoError(t, err)
	require.Equal(t, 87.5, status.Score)

	_, err = engine.RefreshByID(context.Background(), "nobody")
	require.ErrorIs(t, err, domain.ErrStudentNotFound)
}

func TestDetail(t *testing.T) {
	newFixture := func() (*fakeStore, *Engine) {
		store := newFakeStore()
		store.addStudent(domain.Student{StudentID: "viewer", Grade: 1, ClassNo: 1, StudentNo: 1, Name: "김철수"})
		store.addStudent(domain.Student{StudentID: "target", Grade: 2, ClassNo: 3, StudentNo: 14, Name: "홍길동"})
		store.setMeta("viewer", func(*domain.SyncMetadata) {})
		store.setMeta("target", func(*domain.SyncMetadata) {})
		rec := &sessionRecorder{}
		return store, NewEngine(store, rec.factory(), testLogger())
	}
	viewer := domain.Student{StudentID: "viewer", Grade: 1, ClassNo: 1, StudentNo: 1}

	t.Run("unknown target", func(t *testing.T) {
		_, engine := newFixture()
		_, err := engine.Detail(context.Background(), viewer, 3, 9, 99, "")
		require.ErrorIs(t, err, domain.ErrStudentNotFound)
	})

	t.Run("viewer with login error denied", func(t *testing.T) {
		store, engine := newFixture()
		store.setMeta("viewer", func(m *domain.SyncMetadata) { m.LoginError = true })
		_, err := engine.Detail(context.Background(), viewer, 2, 3, 14, "")
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("private viewer denied", func(t *testing.T) {
		store, engine := newFixture()
		store.setMeta("viewer", func(m *domain.SyncMetadata) { m.PrivateRanking = true })
		_, err := engine.Detail(context.Background(), viewer, 2, 3, 14, "")
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("private target denied to others", func(t *testing.T) {
		store, engine := newFixture()
		store.setMeta("target", func(m *domain.SyncMetadata) { m.PrivateRanking = true })
		_, err := engine.Detail(context.Background(), viewer, 2, 3, 14, "")
		require.ErrorIs(t, err, domain.ErrPermissionDenied)
	})

	t.Run("private self allowed", func(t *testing.T) {
		store, engine := newFixture()
		store.setMeta("viewer", func(m *domain.SyncMetadata) { m.PrivateRanking = true })
		status, err := engine.Detail(context.Background(), viewer, 1, 1, 1, "")
		require.NoError(t, err)
		require.Equal(t, "viewer", status.StudentID)
	})

	t.Run("other student with clean viewer", func(t *testing.T) {
		_, engine := newFixture()
		status, err := engine.Detail(context.Background(), viewer, 2, 3, 14, "")
		require.NoError(t, err)
		require.Equal(t, "target", status.StudentID)
		require.Equal(t, 87.5, status.Score)
	})
}

func TestCheckViewer(t *testing.T) {
	require.NoError(t, CheckViewer(domain.SyncMetadata{}))
	require.ErrorIs(t, CheckViewer(domain.SyncMetadata{LoginError: true}), domain.ErrPermissionDenied)
	require.ErrorIs(t, CheckViewer(domain.SyncMetadata{PrivateRanking: true}), domain.ErrPermissionDenied)
}
