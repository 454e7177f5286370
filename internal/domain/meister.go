package domain

import "time"

// SyncMetadata tracks per-student synchronization state.
// LoginError is permanent until a successful login clears it;
// LastPrivacyChangeAt is only ever moved by a privacy toggle.
type SyncMetadata struct {
	StudentID           string    `json:"student_id"`
	LoginError          bool      `json:"login_error"`
	PrivateRanking      bool      `json:"private_ranking"`
	LastPrivacyChangeAt time.Time `json:"last_privacy_change_at"`
}

// AcademicRecord is the cached result of the last successful portal sync.
// The raw HTML payloads are retained for auditing portal layout changes.
type AcademicRecord struct {
	StudentID     string    `json:"student_id"`
	Score         float64   `json:"score"`
	PositivePoint int       `json:"positive_point"`
	NegativePoint int       `json:"negative_point"`
	ScoreRawHTML  string    `json:"-"`
	PointRawHTML  string    `json:"-"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// Status is the rendered own-status response. When LoginError is set the
// numeric fields are zeroed and must not be trusted.
type Status struct {
	StudentID     string    `json:"student_id"`
	Score         float64   `json:"score"`
	PositivePoint int       `json:"positive_point"`
	NegativePoint int       `json:"negative_point"`
	LastUpdate    time.Time `json:"last_update"`
	LoginError    bool      `json:"login_error"`
}

// ResultType classifies a ranking entry.
type ResultType string

const (
	ResultSuccess    ResultType = "SUCCESS"
	ResultLoginError ResultType = "LOGIN_ERROR"
	ResultPrivate    ResultType = "PRIVATE"
)

// Classify derives the entry classification from sync metadata.
// A private student stays PRIVATE even when their sync is also broken.
func Classify(meta SyncMetadata) ResultType {
	if meta.PrivateRanking {
		return ResultPrivate
	}
	if meta.LoginError {
		return ResultLoginError
	}
	return ResultSuccess
}

// RankingEntry is one leaderboard row. Numeric fields are nil unless
// Result is SUCCESS.
type RankingEntry struct {
	Student       StudentRef `json:"student"`
	Result        ResultType `json:"result"`
	Score         *float64   `json:"score,omitempty"`
	PositivePoint *int       `json:"positive_point,omitempty"`
	NegativePoint *int       `json:"negative_point,omitempty"`
	LastUpdate    *time.Time `json:"last_update,omitempty"`
}

// RankingRow is the raw store read backing one ranking entry.
type RankingRow struct {
	Student Student
	Meta    SyncMetadata
	Record  AcademicRecord
}

// CachedScore is a ranking-cache entry.
type CachedScore struct {
	StudentID string  `json:"student_id"`
	Score     float64 `json:"score"`
	Rank      int64   `json:"rank"`
}

// Sync event outcomes published to the audit stream.
const (
	SyncOutcomeSuccess            = "success"
	SyncOutcomeCredentialRejected = "credential_rejected"
	SyncOutcomeTransportError     = "transport_error"
)

// SyncEvent records the outcome of one refresh attempt.
type SyncEvent struct {
	StudentID string    `json:"student_id"`
	Outcome   string    `json:"outcome"`
	Score     float64   `json:"score,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
