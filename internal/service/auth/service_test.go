package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	gitpkg "github.com/mustafasegf/pemasak-infra/internal/git"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
	"github.com/mustafasegf/pemasak-infra/pkg/config"
	"github.com/mustafasegf/pemasak-infra/pkg/crypto"
)

type stubStore struct {
	users    map[string]*domain.User
	owners   []domain.Owner
	sessions map[string]*domain.Session
	projects map[string]*domain.Project
	tokens   map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{
		users:    make(map[string]*domain.User),
		sessions: make(map[string]*domain.Session),
		projects: make(map[string]*domain.Project),
		tokens:   make(map[string][]byte),
	}
}

func (s *stubStore) CreateUser(ctx context.Context, user *domain.User) error {
	if _, ok := s.users[user.Username]; ok {
		return repository.ErrConflict
	}
	s.users[user.Username] = user
	return nil
}

func (s *stubStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	if u, ok := s.users[username]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) CreateOwner(ctx context.Context, owner *domain.Owner, memberUserID string) error {
	s.owners = append(s.owners, *owner)
	return nil
}

func (s *stubStore) GetOwnerByName(ctx context.Context, name string) (*domain.Owner, error) {
	for i := range s.owners {
		if s.owners[i].Name == name {
			return &s.owners[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) ListOwnersByUser(ctx context.Context, userID string) ([]domain.Owner, error) {
	return s.owners, nil
}

func (s *stubStore) IsOwnerMember(ctx context.Context, ownerID, userID string) (bool, error) {
	return true, nil
}

func (s *stubStore) CreateSession(ctx context.Context, session *domain.Session) error {
	s.sessions[session.ID] = session
	return nil
}

func (s *stubStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if sess, ok := s.sessions[id]; ok {
		return sess, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

func (s *stubStore) DeleteExpiredSessions(ctx context.Context, before time.Time) error {
	return nil
}

func (s *stubStore) CreateProject(ctx context.Context, project *domain.Project, tokenDigest []byte) error {
	s.projects[project.OwnerName+"/"+project.Name] = project
	s.tokens[project.ID] = tokenDigest
	return nil
}

func (s *stubStore) GetProject(ctx context.Context, ownerName, projectName string) (*domain.Project, error) {
	if p, ok := s.projects[ownerName+"/"+projectName]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	for _, p := range s.projects {
		if p.ID == projectID {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	return nil, nil
}

func (s *stubStore) ListProjects(ctx context.Context) ([]domain.Project, error) { return nil, nil }

func (s *stubStore) UpdateProjectState(ctx context.Context, projectID, state string) error {
	return nil
}

func (s *stubStore) DeleteProject(ctx context.Context, projectID string) error { return nil }

func (s *stubStore) GetProjectTokenDigest(ctx context.Context, projectID string) ([]byte, error) {
	if digest, ok := s.tokens[projectID]; ok {
		return digest, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubStore) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	return nil, nil
}

func (s *stubStore) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error { return nil }

func (s *stubStore) DeleteEnvVar(ctx context.Context, projectID, key string) error { return nil }

func testService(store *stubStore) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Settings{Auth: config.AuthSettings{Register: true, Lifespan: 1}}
	return New(store, store, store, store, log, cfg)
}

func TestRegisterLoginValidate(t *testing.T) {
	store := newStubStore()
	svc := testService(store)
	ctx := context.Background()

	user, err := svc.Register(ctx, "john.doe", "x", "John")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Role != domain.RoleUser {
		t.Fatalf("unexpected role %q", user.Role)
	}
	if len(store.owners) != 1 || store.owners[0].Name != "john.doe" {
		t.Fatalf("personal owner not created: %+v", store.owners)
	}

	session, err := svc.Login(ctx, "10.0.0.1:999", "john.doe", "x")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	got, err := svc.Validate(ctx, session.ID)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("Validate returned wrong user: %s", got.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	store := newStubStore()
	svc := testService(store)
	ctx := context.Background()
	if _, err := svc.Register(ctx, "alice", "secret", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "10.0.0.1:1", "alice", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateExpiredSession(t *testing.T) {
	store := newStubStore()
	svc := testService(store)
	ctx := context.Background()
	user, _ := svc.Register(ctx, "bob", "pw", "Bob")
	store.sessions["stale"] = &domain.Session{
		ID:        "stale",
		UserID:    user.ID,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	if _, err := svc.Validate(ctx, "stale"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, ok := store.sessions["stale"]; ok {
		t.Fatal("expired session should be deleted")
	}
}

func TestAuthorizeGit(t *testing.T) {
	store := newStubStore()
	svc := testService(store)
	ctx := context.Background()

	token, _ := crypto.NewToken()
	project := &domain.Project{ID: "p1", OwnerName: "john.doe", Name: "booker"}
	_ = store.CreateProject(ctx, project, crypto.DigestToken(token))

	got, err := svc.AuthorizeGit(ctx, "10.0.0.2:5", "john.doe", "booker", "john.doe", token)
	if err != nil {
		t.Fatalf("AuthorizeGit: %v", err)
	}
	if got.ID != "p1" {
		t.Fatalf("wrong project: %+v", got)
	}

	if _, err := svc.AuthorizeGit(ctx, "10.0.0.2:5", "john.doe", "booker", "john.doe", "wrong"); !errors.Is(err, gitpkg.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := svc.AuthorizeGit(ctx, "10.0.0.2:5", "john.doe", "booker", "eve", token); !errors.Is(err, gitpkg.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong username, got %v", err)
	}
	if _, err := svc.AuthorizeGit(ctx, "10.0.0.2:5", "john.doe", "ghost", "john.doe", token); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown project, got %v", err)
	}
}

func TestFailureTrackerBackoff(t *testing.T) {
	tracker := newFailureTracker()
	now := time.Unix(1000, 0)
	tracker.now = func() time.Time { return now }

	if d := tracker.Delay("ip"); d != 0 {
		t.Fatalf("fresh address should have no delay, got %v", d)
	}
	tracker.RecordFailure("ip")
	tracker.RecordFailure("ip")
	if d := tracker.Delay("ip"); d != 0 {
		t.Fatalf("two failures should not delay, got %v", d)
	}
	tracker.RecordFailure("ip")
	if d := tracker.Delay("ip"); d != backoffStep {
		t.Fatalf("third failure should delay %v, got %v", backoffStep, d)
	}
	for i := 0; i < 10; i++ {
		tracker.RecordFailure("ip")
	}
	if d := tracker.Delay("ip"); d != backoffMax {
		t.Fatalf("delay must cap at %v, got %v", backoffMax, d)
	}

	// Window expiry resets everything.
	now = now.Add(2 * backoffWindow)
	if d := tracker.Delay("ip"); d != 0 {
		t.Fatalf("expired window should clear delay, got %v", d)
	}

	tracker.RecordFailure("ip")
	tracker.RecordSuccess("ip")
	if d := tracker.Delay("ip"); d != 0 {
		t.Fatalf("success should clear failures, got %v", d)
	}
}
