package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	gitpkg "github.com/mustafasegf/pemasak-infra/internal/git"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
	"github.com/mustafasegf/pemasak-infra/pkg/config"
	"github.com/mustafasegf/pemasak-infra/pkg/crypto"
)

var (
	// ErrInvalidCredentials covers bad username/password pairs.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrRegistrationClosed is returned when registration is disabled.
	ErrRegistrationClosed = errors.New("auth: registration is disabled")
	// ErrSessionExpired is returned for stale session cookies.
	ErrSessionExpired = errors.New("auth: session expired")
)

// Service is the credential gate: dashboard sessions and per-project
// git tokens.
type Service struct {
	users    repository.UserRepository
	owners   repository.OwnerRepository
	sessions repository.SessionRepository
	projects repository.ProjectRepository
	logger   *slog.Logger
	cfg      config.Settings
	failures *failureTracker
}

// New constructs a Service.
func New(users repository.UserRepository, owners repository.OwnerRepository, sessions repository.SessionRepository, projects repository.ProjectRepository, logger *slog.Logger, cfg config.Settings) *Service {
	return &Service{
		users:    users,
		owners:   owners,
		sessions: sessions,
		projects: projects,
		logger:   logger,
		cfg:      cfg,
		failures: newFailureTracker(),
	}
}

// Register creates a user together with their personal owner.
func (s *Service) Register(ctx context.Context, username, password, name string) (*domain.User, error) {
	if !s.cfg.Auth.Register {
		return nil, ErrRegistrationClosed
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if password == "" {
		return nil, fmt.Errorf("password is required")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Name:         strings.TrimSpace(name),
		Role:         domain.RoleUser,
		CreatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	owner := &domain.Owner{ID: uuid.NewString(), Name: username, CreatedAt: now}
	if err := s.owners.CreateOwner(ctx, owner, user.ID); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", username)
	return user, nil
}

// Login authenticates a user and opens a session.
func (s *Service) Login(ctx context.Context, remoteAddr, username, password string) (*domain.Session, error) {
	addr := hostOnly(remoteAddr)
	s.sleepBackoff(ctx, addr)

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.failures.RecordFailure(addr)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			s.failures.RecordFailure(addr)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	s.failures.RecordSuccess(addr)

	now := time.Now().UTC()
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.cfg.SessionLifetime()),
		CreatedAt: now,
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return session, nil
}

// Validate resolves a session cookie to its user.
func (s *Service) Validate(ctx context.Context, sessionID string) (*domain.User, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidCredentials
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if session.Expired(time.Now().UTC()) {
		_ = s.sessions.DeleteSession(ctx, session.ID)
		return nil, ErrSessionExpired
	}
	return s.users.GetUserByID(ctx, session.UserID)
}

// Logout deletes a session; unknown sessions are a no-op.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return nil
	}
	return s.sessions.DeleteSession(ctx, sessionID)
}

// AuthorizeGit validates git Basic-auth for a project. The username is
// the owner name and the password the project token shown once at
// creation.
func (s *Service) AuthorizeGit(ctx context.Context, remoteAddr, ownerName, projectName, username, password string) (*domain.Project, error) {
	addr := hostOnly(remoteAddr)
	s.sleepBackoff(ctx, addr)

	project, err := s.projects.GetProject(ctx, ownerName, projectName)
	if err != nil {
		return nil, err
	}
	if username != ownerName {
		s.failures.RecordFailure(addr)
		return nil, gitpkg.ErrUnauthorized
	}
	digest, err := s.projects.GetProjectTokenDigest(ctx, project.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.failures.RecordFailure(addr)
			return nil, gitpkg.ErrUnauthorized
		}
		return nil, err
	}
	if !crypto.VerifyToken(digest, password) {
		s.failures.RecordFailure(addr)
		return nil, gitpkg.ErrUnauthorized
	}
	s.failures.RecordSuccess(addr)
	return project, nil
}

// SweepSessions removes expired sessions; called periodically by the
// orchestrator.
func (s *Service) SweepSessions(ctx context.Context) {
	if err := s.sessions.DeleteExpiredSessions(ctx, time.Now().UTC()); err != nil {
		s.logger.Warn("session sweep failed", "error", err)
	}
}

func (s *Service) sleepBackoff(ctx context.Context, addr string) {
	delay := s.failures.Delay(addr)
	if delay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}
