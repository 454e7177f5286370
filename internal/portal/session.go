package portal

import (
	"context"
	"log/slog"
	"net/http/cookiejar"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/qlido/BSM-Backend-V2/internal/config"
	"github.com/qlido/BSM-Backend-V2/internal/domain"
)

// Session is one short-lived authenticated session against the meister
// portal. Each session owns its resty client and cookie jar; the portal
// tracks login state through the session cookie, so a session must not be
// shared between concurrent refreshes.
type Session struct {
	http   *resty.Client
	cfg    *config.PortalConfig
	logger *slog.Logger
}

// NewSession creates a fresh portal session with its own cookie jar.
func NewSession(cfg *config.PortalConfig, logger *slog.Logger) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetCookieJar(jar)
	client.SetTimeout(cfg.RequestTimeout)

	return &Session{
		http:   client,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Login authenticates the session as the given student. The portal answers
// a login POST with the literal body "true" on success; any other completed
// response means the credentials were rejected.
func (s *Session) Login(ctx context.Context, student domain.Student, password string) error {
	res, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"caseBy": "login",
			"pw":     password,
			"lgtype": "S",
			"hakgwa": TrackName(s.cfg, student.Grade, student.ClassNo),
			"hak":    strconv.Itoa(student.Grade),
			"ban":    strconv.Itoa(student.ClassNo),
			"bun":    strconv.Itoa(student.StudentNo),
		}).
		Post(s.cfg.LoginPath)
	if err != nil {
		return &domain.TransportError{Op: "login", Err: err}
	}

	if strings.TrimSpace(string(res.Body())) != "true" {
		return domain.ErrCredentialRejected
	}
	return nil
}

// FetchScoreHTML retrieves the raw score page for the logged-in student.
func (s *Session) FetchScoreHTML(ctx context.Context, studentID string) (string, error) {
	res, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"caseBy": "getViewer",
			"uniqNo": studentID,
		}).
		Post(s.cfg.ScorePath)
	if err != nil {
		return "", &domain.TransportError{Op: "score fetch", Err: err}
	}
	return string(res.Body()), nil
}

// FetchPointHTML retrieves the raw merit/demerit point listing. The listing
// is paginated on the portal side; one oversized page covers every entry.
func (s *Session) FetchPointHTML(ctx context.Context) (string, error) {
	res, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"caseBy":     "listview",
			"pageNumber": "1",
			"onPageCnt":  "100",
		}).
		Post(s.cfg.PointPath)
	if err != nil {
		return "", &domain.TransportError{Op: "point fetch", Err: err}
	}
	return string(res.Body()), nil
}

// Logout ends the portal session. Best-effort: the session cookie dies with
// this client either way, so failures are only logged.
func (s *Session) Logout(ctx context.Context) {
	_, err := s.http.R().
		SetContext(ctx).
		Get(s.cfg.LogoutPath)
	if err != nil {
		s.logger.Debug("portal logout failed", "error", err)
	}
}
