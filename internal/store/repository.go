package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

// Repository provides PostgreSQL-based access to the student directory and
// the two per-student meister records. All mutation goes through its API;
// callers exchange value types only.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// RunMigrations executes database migrations. The students table is the
// read-side of the user subsystem's directory; this service never writes it.
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS students (
			student_id VARCHAR(64) PRIMARY KEY,
			grade INT NOT NULL,
			class_no INT NOT NULL,
			student_no INT NOT NULL,
			name VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meister_info (
			student_id VARCHAR(64) PRIMARY KEY REFERENCES students(student_id),
			login_error BOOLEAN NOT NULL DEFAULT FALSE,
			private_ranking BOOLEAN NOT NULL DEFAULT FALSE,
			last_privacy_change_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS meister_data (
			student_id VARCHAR(64) PRIMARY KEY REFERENCES meister_info(student_id),
			score DOUBLE PRECISION NOT NULL DEFAULT 0,
			positive_point INT NOT NULL DEFAULT 0,
			negative_point INT NOT NULL DEFAULT 0,
			score_raw_html TEXT NOT NULL DEFAULT '',
			point_raw_html TEXT NOT NULL DEFAULT '',
			modified_at TIMESTAMP NOT NULL DEFAULT '1970-01-01'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_students_class ON students(grade, class_no, student_no)`,
		`CREATE INDEX IF NOT EXISTS idx_meister_data_score ON meister_data(score DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// GetStudent retrieves a student from the directory by identifier
func (r *Repository) GetStudent(ctx context.Context, studentID string) (domain.Student, error) {
	query := `
		SELECT student_id, grade, class_no, student_no, name
		FROM students
		WHERE student_id = $1
	`
	var st domain.Student
	err := r.pool.QueryRow(ctx, query, studentID).Scan(
		&st.StudentID, &st.Grade, &st.ClassNo, &st.StudentNo, &st.Name,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Student{}, domain.ErrStudentNotFound
		}
		return domain.Student{}, fmt.Errorf("getting student: %w", err)
	}
	return st, nil
}

// FindStudent retrieves a student by their grade/class/number triple
func (r *Repository) FindStudent(ctx context.Context, grade, classNo, studentNo int) (domain.Student, error) {
	query := `
		SELECT student_id, grade, class_no, student_no, name
		FROM students
		WHERE grade = $1 AND class_no = $2 AND student_no = $3
	`
	var st domain.Student
	err := r.pool.QueryRow(ctx, query, grade, classNo, studentNo).Scan(
		&st.StudentID, &st.Grade, &st.ClassNo, &st.StudentNo, &st.Name,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Student{}, domain.ErrStudentNotFound
		}
		return domain.Student{}, fmt.Errorf("finding student: %w", err)
	}
	return st, nil
}

// ListActiveStudents retrieves every non-graduated student in class order
func (r *Repository) ListActiveStudents(ctx context.Context) ([]domain.Student, error) {
	query := `
		SELECT student_id, grade, class_no, student_no, name
		FROM students
		WHERE grade <> 0
		ORDER BY grade, class_no, student_no
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active students: %w", err)
	}
	defer rows.Close()

	var students []domain.Student
	for rows.Next() {
		var st domain.Student
		if err := rows.Scan(&st.StudentID, &st.Grade, &st.ClassNo, &st.StudentNo, &st.Name); err != nil {
			return nil, fmt.Errorf("scanning student: %w", err)
		}
		students = append(students, st)
	}
	return students, nil
}

// GetMetadata retrieves a student's sync metadata
func (r *Repository) GetMetadata(ctx context.Context, studentID string) (domain.SyncMetadata, error) {
	query := `
		SELECT student_id, login_error, private_ranking, last_privacy_change_at
		FROM meister_info
		WHERE student_id = $1
	`
	var meta domain.SyncMetadata
	err := r.pool.QueryRow(ctx, query, studentID).Scan(
		&meta.StudentID, &meta.LoginError, &meta.PrivateRanking, &meta.LastPrivacyChangeAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncMetadata{}, domain.ErrMetadataNotFound
		}
		return domain.SyncMetadata{}, fmt.Errorf("getting metadata: %w", err)
	}
	return meta, nil
}

// ListMetadata retrieves all sync metadata keyed by student identifier
func (r *Repository) ListMetadata(ctx context.Context) (map[string]domain.SyncMetadata, error) {
	query := `
		SELECT student_id, login_error, private_ranking, last_privacy_change_at
		FROM meister_info
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing metadata: %w", err)
	}
	defer rows.Close()

	metas := make(map[string]domain.SyncMetadata)
	for rows.Next() {
		var meta domain.SyncMetadata
		if err := rows.Scan(&meta.StudentID, &meta.LoginError, &meta.PrivateRanking, &meta.LastPrivacyChangeAt); err != nil {
			return nil, fmt.Errorf("scanning metadata: %w", err)
		}
		metas[meta.StudentID] = meta
	}
	return metas, nil
}

// GetRecord retrieves a student's cached academic record
func (r *Repository) GetRecord(ctx context.Context, studentID string) (domain.AcademicRecord, error) {
	query := `
		SELECT student_id, score, positive_point, negative_point,
		       score_raw_html, point_raw_html, modified_at
		FROM meister_data
		WHERE student_id = $1
	`
	var rec domain.AcademicRecord
	err := r.pool.QueryRow(ctx, query, studentID).Scan(
		&rec.StudentID, &rec.Score, &rec.PositivePoint, &rec.NegativePoint,
		&rec.ScoreRawHTML, &rec.PointRawHTML, &rec.ModifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AcademicRecord{}, domain.ErrRecordNotFound
		}
		return domain.AcademicRecord{}, fmt.Errorf("getting record: %w", err)
	}
	return rec, nil
}

// FindOrCreate returns the student's record pair, lazily provisioning both
// rows in one transaction on first sync. A freshly created metadata row
// starts its privacy cooldown at creation time.
func (r *Repository) FindOrCreate(ctx context.Context, student domain.Student) (domain.AcademicRecord, domain.SyncMetadata, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.AcademicRecord{}, domain.SyncMetadata{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO meister_info (student_id, last_privacy_change_at)
		VALUES ($1, $2)
		ON CONFLICT (student_id) DO NOTHING
	`, student.StudentID, time.Now())
	if err != nil {
		return domain.AcademicRecord{}, domain.SyncMetadata{}, fmt.Errorf("creating metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO meister_data (student_id)
		VALUES ($1)
		ON CONFLICT (student_id) DO NOTHING
	`, student.StudentID)
	if err != nil {
		return domain.AcademicRecord{}, domain.SyncMetadata{}, fmt.Errorf("creating record: %w", err)
	}

	var rec domain.AcademicRecord
	var meta domain.SyncMetadata
	err = tx.QueryRow(ctx, `
		SELECT d.student_id, d.score, d.positive_point, d.negative_point,
		       d.score_raw_html, d.point_raw_html, d.modified_at,
		       i.login_error, i.private_ranking, i.last_privacy_change_at
		FROM meister_data d
		JOIN meister_info i ON i.student_id = d.student_id
		WHERE d.student_id = $1
	`, student.StudentID).Scan(
		&rec.StudentID, &rec.Score, &rec.PositivePoint, &rec.NegativePoint,
		&rec.ScoreRawHTML, &rec.PointRawHTML, &rec.ModifiedAt,
		&meta.LoginError, &meta.PrivateRanking, &meta.LastPrivacyChangeAt,
	)
	if err != nil {
		return domain.AcademicRecord{}, domain.SyncMetadata{}, fmt.Errorf("loading record pair: %w", err)
	}
	meta.StudentID = rec.StudentID

	if err := tx.Commit(ctx); err != nil {
		return domain.AcademicRecord{}, domain.SyncMetadata{}, fmt.Errorf("committing transaction: %w", err)
	}
	return rec, meta, nil
}

// SaveRefreshResult persists a refresh outcome: the full academic snapshot
// plus the metadata login flag, in one transaction. The row updates take
// ordinary row locks, which serializes concurrent refreshes of the same
// student; last writer wins with a complete snapshot.
func (r *Repository) SaveRefreshResult(ctx context.Context, rec domain.AcademicRecord, loginError bool) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE meister_data
		SET score = $2, positive_point = $3, negative_point = $4,
		    score_raw_html = $5, point_raw_html = $6, modified_at = $7
		WHERE student_id = $1
	`, rec.StudentID, rec.Score, rec.PositivePoint, rec.NegativePoint,
		rec.ScoreRawHTML, rec.PointRawHTML, rec.ModifiedAt)
	if err != nil {
		return fmt.Errorf("saving record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE meister_info SET login_error = $2 WHERE student_id = $1
	`, rec.StudentID, loginError)
	if err != nil {
		return fmt.Errorf("saving login flag: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkLoginError flags a student's sync as credential-broken and touches
// the record's modification time so the failed state is served from cache
// for the rest of the day.
func (r *Repository) MarkLoginError(ctx context.Context, studentID string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE meister_info SET login_error = TRUE WHERE student_id = $1
	`, studentID)
	if err != nil {
		return fmt.Errorf("marking login error: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE meister_data SET modified_at = $2 WHERE student_id = $1
	`, studentID, at)
	if err != nil {
		return fmt.Errorf("touching record: %w", err)
	}

	return tx.Commit(ctx)
}

// UpdatePrivacy persists a privacy toggle and restarts its cooldown
func (r *Repository) UpdatePrivacy(ctx context.Context, studentID string, private bool, at time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE meister_info
		SET private_ranking = $2, last_privacy_change_at = $3
		WHERE student_id = $1
	`, studentID, private, at)
	if err != nil {
		return fmt.Errorf("updating privacy: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrMetadataNotFound
	}
	return nil
}

// ListRankingRows retrieves every cached record joined with its metadata
// and student identity, ordered by score for a stable starting point.
func (r *Repository) ListRankingRows(ctx context.Context) ([]domain.RankingRow, error) {
	query := `
		SELECT s.student_id, s.grade, s.class_no, s.student_no, s.name,
		       i.login_error, i.private_ranking, i.last_privacy_change_at,
		       d.score, d.positive_point, d.negative_point, d.modified_at
		FROM meister_data d
		JOIN meister_info i ON i.student_id = d.student_id
		JOIN students s ON s.student_id = d.student_id
		ORDER BY d.score DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing ranking rows: %w", err)
	}
	defer rows.Close()

	var result []domain.RankingRow
	for rows.Next() {
		var row domain.RankingRow
		err := rows.Scan(
			&row.Student.StudentID, &row.Student.Grade, &row.Student.ClassNo,
			&row.Student.StudentNo, &row.Student.Name,
			&row.Meta.LoginError, &row.Meta.PrivateRanking, &row.Meta.LastPrivacyChangeAt,
			&row.Record.Score, &row.Record.PositivePoint, &row.Record.NegativePoint,
			&row.Record.ModifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning ranking row: %w", err)
		}
		row.Meta.StudentID = row.Student.StudentID
		row.Record.StudentID = row.Student.StudentID
		result = append(result, row)
	}
	return result, nil
}
