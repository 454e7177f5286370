package meister

import (
	"context"
	"sync"
	"time"

	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

// fakeStore is an in-memory RecordStore for engine and ranking tests.
type fakeStore struct {
	mu       sync.Mutex
	students map[string]domain.Student
	metas    map[string]domain.SyncMetadata
	records  map[string]domain.AcademicRecord
	order    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		students: make(map[string]domain.Student),
		metas:    make(map[string]domain.SyncMetadata),
		records:  make(map[string]domain.AcademicRecord),
	}
}

func (s *fakeStore) addStudent(st domain.Student) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.students[st.StudentID] = st
	s.order = append(s.order, st.StudentID)
}

func (s *fakeStore) GetStudent(_ context.Context, studentID string) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.students[studentID]
	if !ok {
		return domain.Student{}, domain.ErrStudentNotFound
	}
	return st, nil
}

func (s *fakeStore) FindStudent(_ context.Context, grade, classNo, studentNo int) (domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.students {
		if st.Grade == grade && st.ClassNo == classNo && st.StudentNo == studentNo {
			return st, nil
		}
	}
	return domain.Student{}, domain.ErrStudentNotFound
}

func (s *fakeStore) ListActiveStudents(_ context.Context) ([]domain.Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var students []domain.Student
	for _, id := range s.order {
		if st := s.students[id]; st.Active() {
			students = append(students, st)
		}
	}
	return students, nil
}

func (s *fakeStore) GetMetadata(_ context.Context, studentID string) (domain.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[studentID]
	if !ok {
		return domain.SyncMetadata{}, domain.ErrMetadataNotFound
	}
	return meta, nil
}

func (s *fakeStore) ListMetadata(_ context.Context) (map[string]domain.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metas := make(map[string]domain.SyncMetadata, len(s.metas))
	for id, meta := range s.metas {
		metas[id] = meta
	}
	return metas, nil
}

func (s *fakeStore) GetRecord(_ context.Context, studentID string) (domain.AcademicRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[studentID]
	if !ok {
		return domain.AcademicRecord{}, domain.ErrRecordNotFound
	}
	return rec, nil
}

func (s *fakeStore) FindOrCreate(_ context.Context, student domain.Student) (domain.AcademicRecord, domain.SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metas[student.StudentID]; !ok {
		s.metas[student.StudentID] = domain.SyncMetadata{
			StudentID:           student.StudentID,
			LastPrivacyChangeAt: time.Now(),
		}
	}
	if _, ok := s.records[student.StudentID]; !ok {
		s.records[student.StudentID] = domain.AcademicRecord{StudentID: student.StudentID}
	}
	return s.records[student.StudentID], s.metas[student.StudentID], nil
}

func (s *fakeStore) SaveRefreshResult(_ context.Context, rec domain.AcademicRecord, loginError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.StudentID] = rec
	meta := s.metas[rec.StudentID]
	meta.LoginError = loginError
	s.metas[rec.StudentID] = meta
	return nil
}

func (s *fakeStore) MarkLoginError(_ context.Context, studentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta := s.metas[studentID]
	meta.LoginError = true
	s.metas[studentID] = meta
	rec := s.records[studentID]
	rec.ModifiedAt = at
	s.records[studentID] = rec
	return nil
}

func (s *fakeStore) UpdatePrivacy(_ context.Context, studentID string, private bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[studentID]
	if !ok {
		return domain.ErrMetadataNotFound
	}
	meta.PrivateRanking = private
	meta.LastPrivacyChangeAt = at
	s.metas[studentID] = meta
	return nil
}

func (s *fakeStore) ListRankingRows(_ context.Context) ([]domain.RankingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []domain.RankingRow
	for _, id := range s.order {
		rec, ok := s.records[id]
		if !ok {
			continue
		}
		rows = append(rows, domain.RankingRow{
			Student: s.students[id],
			Meta:    s.metas[id],
			Record:  rec,
		})
	}
	return rows, nil
}

func (s *fakeStore) setMeta(studentID string, mutate func(*domain.SyncMetadata)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[studentID]
	if !ok {
		meta = domain.SyncMetadata{StudentID: studentID}
	}
	mutate(&meta)
	s.metas[studentID] = meta
}

func (s *fakeStore) setRecord(rec domain.AcademicRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.StudentID] = rec
}

// fakeSession scripts one portal conversation.
type fakeSession struct {
	loginFn   func(student domain.Student, password string) error
	scoreHTML string
	pointHTML string
	scoreErr  error
	pointErr  error
	loggedOut bool
}

func (s *fakeSession) Login(_ context.Context, student domain.Student, password string) error {
	if s.loginFn != nil {
		return s.loginFn(student, password)
	}
	return nil
}

func (s *fakeSession) FetchScoreHTML(_ context.Context, _ string) (string, error) {
	return s.scoreHTML, s.scoreErr
}

func (s *fakeSession) FetchPointHTML(_ context.Context) (string, error) {
	return s.pointHTML, s.pointErr
}

func (s *fakeSession) Logout(_ context.Context) {
	s.loggedOut = true
}

// fakeCache records ranking-cache mutations.
type fakeCache struct {
	mu     sync.Mutex
	scores map[string]float64
}

func newFakeCache() *fakeCache {
	return &fakeCache{scores: make(map[string]float64)}
}

func (c *fakeCache) SetScore(_ context.Context, studentID string, score float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores[studentID] = score
	return nil
}

func (c *fakeCache) Remove(_ context.Context, studentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scores, studentID)
	return nil
}

func (c *fakeCache) TopN(_ context.Context, n int) ([]domain.CachedScore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entries []domain.CachedScore
	for id, score := range c.scores {
		entries = append(entries, domain.CachedScore{StudentID: id, Score: score})
	}
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (c *fakeCache) Rebuild(_ context.Context, scores map[string]float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores = make(map[string]float64, len(scores))
	for id, score := range scores {
		c.scores[id] = score
	}
	return nil
}

// fakeSink collects published sync events.
type fakeSink struct {
	mu     sync.Mutex
	events []domain.SyncEvent
}

func (s *fakeSink) PublishSyncEvent(_ context.Context, event domain.SyncEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}
