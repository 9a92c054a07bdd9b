package project

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
	"github.com/mustafasegf/pemasak-infra/pkg/config"
)

type memStore struct {
	mu       sync.Mutex
	owners   map[string]*domain.Owner
	projects map[string]*domain.Project
	envs     map[string]map[string][]byte
	tokens   map[string][]byte
	deleted  []string
}

func newMemStore() *memStore {
	return &memStore{
		owners:   make(map[string]*domain.Owner),
		projects: make(map[string]*domain.Project),
		envs:     make(map[string]map[string][]byte),
		tokens:   make(map[string][]byte),
	}
}

func (m *memStore) CreateOwner(ctx context.Context, owner *domain.Owner, memberUserID string) error {
	m.owners[owner.Name] = owner
	return nil
}

func (m *memStore) GetOwnerByName(ctx context.Context, name string) (*domain.Owner, error) {
	if o, ok := m.owners[name]; ok {
		return o, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) ListOwnersByUser(ctx context.Context, userID string) ([]domain.Owner, error) {
	return nil, nil
}

func (m *memStore) IsOwnerMember(ctx context.Context, ownerID, userID string) (bool, error) {
	return true, nil
}

func (m *memStore) CreateProject(ctx context.Context, project *domain.Project, tokenDigest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := project.OwnerName + "/" + project.Name
	if _, ok := m.projects[key]; ok {
		return repository.ErrConflict
	}
	m.projects[key] = project
	m.tokens[project.ID] = tokenDigest
	return nil
}

func (m *memStore) GetProject(ctx context.Context, ownerName, projectName string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.projects[ownerName+"/"+projectName]; ok {
		return p, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		if p.ID == projectID {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	return nil, nil
}

func (m *memStore) ListProjects(ctx context.Context) ([]domain.Project, error) { return nil, nil }

func (m *memStore) UpdateProjectState(ctx context.Context, projectID, state string) error {
	return nil
}

func (m *memStore) DeleteProject(ctx context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.projects {
		if p.ID == projectID {
			delete(m.projects, key)
			m.deleted = append(m.deleted, projectID)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (m *memStore) GetProjectTokenDigest(ctx context.Context, projectID string) ([]byte, error) {
	if d, ok := m.tokens[projectID]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EnvVar
	for k, v := range m.envs[projectID] {
		out = append(out, domain.EnvVar{ProjectID: projectID, Key: k, Value: v})
	}
	return out, nil
}

func (m *memStore) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.envs[envVar.ProjectID] == nil {
		m.envs[envVar.ProjectID] = make(map[string][]byte)
	}
	m.envs[envVar.ProjectID][envVar.Key] = envVar.Value
	return nil
}

func (m *memStore) DeleteEnvVar(ctx context.Context, projectID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.envs[projectID], key)
	return nil
}

type memBuilds struct{}

func (memBuilds) CreateBuild(ctx context.Context, build *domain.Build) error          { return nil }
func (memBuilds) MarkBuildBuilding(ctx context.Context, buildID string) error         { return nil }
func (memBuilds) FinishBuild(ctx context.Context, buildID, status string) error       { return nil }
func (memBuilds) AppendBuildLog(ctx context.Context, buildID, chunk string) error     { return nil }
func (memBuilds) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	return nil, repository.ErrNotFound
}
func (memBuilds) LatestPendingBuild(ctx context.Context, projectID string) (*domain.Build, error) {
	return nil, repository.ErrNotFound
}
func (memBuilds) ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	return nil, nil
}
func (memBuilds) FailInterruptedBuilds(ctx context.Context, reason string) (int, error) {
	return 0, nil
}

type fakeRepos struct {
	mu      sync.Mutex
	inits   []string
	removed []string
	initErr error
}

func (f *fakeRepos) InitRepo(ctx context.Context, ownerName, projectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.inits = append(f.inits, ownerName+"/"+projectName)
	return nil
}

func (f *fakeRepos) RemoveRepo(ownerName, projectName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, ownerName+"/"+projectName)
	return nil
}

type fakeBuilder struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
}

func (f *fakeBuilder) Enqueue(ctx context.Context, project *domain.Project, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, project.ID)
	return "build-1", nil
}

func (f *fakeBuilder) Cancel(ctx context.Context, projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, projectID)
}

type fakeRuntime struct {
	destroyed []string
}

func (f *fakeRuntime) Destroy(ctx context.Context, project *domain.Project) error {
	f.destroyed = append(f.destroyed, project.ID)
	return nil
}

func newTestService(store *memStore, repos *fakeRepos, builder *fakeBuilder, rt *fakeRuntime) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Settings{Application: config.ApplicationSettings{Domain: "pws.dev"}}
	return New(store, store, memBuilds{}, repos, builder, rt, log, cfg)
}

func TestCreateProject(t *testing.T) {
	store := newMemStore()
	store.owners["john.doe"] = &domain.Owner{ID: "o1", Name: "john.doe"}
	repos := &fakeRepos{}
	svc := newTestService(store, repos, &fakeBuilder{}, &fakeRuntime{})

	res, err := svc.Create(context.Background(), "u1", "john.doe", "booker")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.GitUsername != "john.doe" {
		t.Fatalf("git username = %q", res.GitUsername)
	}
	if len(res.GitPassword) == 0 {
		t.Fatal("git password must be minted")
	}
	if res.Domain != "http://pws.dev/john.doe/booker" {
		t.Fatalf("domain = %q", res.Domain)
	}
	if len(repos.inits) != 1 || repos.inits[0] != "john.doe/booker" {
		t.Fatalf("bare repo not initialized: %+v", repos.inits)
	}

	// Duplicate within owner is rejected.
	if _, err := svc.Create(context.Background(), "u1", "john.doe", "booker"); !errors.Is(err, ErrDuplicateProject) {
		t.Fatalf("expected ErrDuplicateProject, got %v", err)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	store := newMemStore()
	store.owners["o"] = &domain.Owner{ID: "o1", Name: "o"}
	svc := newTestService(store, &fakeRepos{}, &fakeBuilder{}, &fakeRuntime{})

	if _, err := svc.Create(context.Background(), "u1", "o", "Bad Name"); err == nil {
		t.Fatal("expected validation failure")
	}
	if _, err := svc.Create(context.Background(), "u1", "o", strings.Repeat("a", 40)); err == nil {
		t.Fatal("expected 40-char name rejected")
	}
	if _, err := svc.Create(context.Background(), "u1", "ghost", "app"); !errors.Is(err, ErrOwnerNotFound) {
		t.Fatalf("expected ErrOwnerNotFound, got %v", err)
	}
}

func TestCreateProjectRollsBackOnRepoFailure(t *testing.T) {
	store := newMemStore()
	store.owners["o"] = &domain.Owner{ID: "o1", Name: "o"}
	repos := &fakeRepos{initErr: errors.New("disk full")}
	svc := newTestService(store, repos, &fakeBuilder{}, &fakeRuntime{})

	if _, err := svc.Create(context.Background(), "u1", "o", "app"); err == nil {
		t.Fatal("expected failure")
	}
	if _, err := store.GetProject(context.Background(), "o", "app"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("project row must be rolled back")
	}
}

func TestSetEnvTriggersRebuildWhenRunning(t *testing.T) {
	store := newMemStore()
	builder := &fakeBuilder{}
	svc := newTestService(store, &fakeRepos{}, builder, &fakeRuntime{})

	running := &domain.Project{ID: "p1", OwnerName: "o", Name: "p", State: domain.StateRunning}
	if err := svc.SetEnv(context.Background(), running, "DEBUG", "1"); err != nil {
		t.Fatalf("SetEnv: %v", err)
	}
	if len(builder.enqueued) != 1 {
		t.Fatalf("expected rebuild enqueued, got %+v", builder.enqueued)
	}

	stopped := &domain.Project{ID: "p2", OwnerName: "o", Name: "q", State: domain.StateEmpty}
	if err := svc.SetEnv(context.Background(), stopped, "DEBUG", "1"); err != nil {
		t.Fatalf("SetEnv: %v", err)
	}
	if len(builder.enqueued) != 1 {
		t.Fatal("non-running project must not rebuild")
	}

	if err := svc.SetEnv(context.Background(), running, "lower", "1"); err == nil {
		t.Fatal("invalid env key must be rejected")
	}
}

func TestSetEnvRoundTrip(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeRepos{}, &fakeBuilder{}, &fakeRuntime{})
	p := &domain.Project{ID: "p1", OwnerName: "o", Name: "p"}

	if err := svc.SetEnv(context.Background(), p, "KEY", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetEnv(context.Background(), p, "KEY", "v2"); err != nil {
		t.Fatal(err)
	}
	env, err := svc.Env(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if env["KEY"] != "v2" {
		t.Fatalf("env KEY = %q, want v2", env["KEY"])
	}
	if err := svc.DeleteEnv(context.Background(), p, "KEY"); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteEnv(context.Background(), p, "KEY"); err != nil {
		t.Fatalf("deleting a missing key must be a no-op, got %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	store := newMemStore()
	store.owners["o"] = &domain.Owner{ID: "o1", Name: "o"}
	repos := &fakeRepos{}
	builder := &fakeBuilder{}
	rt := &fakeRuntime{}
	svc := newTestService(store, repos, builder, rt)

	store.projects["o/app"] = &domain.Project{ID: "p1", OwnerName: "o", Name: "app", CreatedAt: time.Now()}
	if err := svc.Delete(context.Background(), "o", "app"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(builder.cancelled) != 1 || builder.cancelled[0] != "p1" {
		t.Fatal("in-flight builds must be cancelled")
	}
	if len(rt.destroyed) != 1 {
		t.Fatal("runtime must be destroyed")
	}
	if len(repos.removed) != 1 || repos.removed[0] != "o/app" {
		t.Fatal("bare repo must be removed")
	}
	if err := svc.Delete(context.Background(), "o", "app"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second delete must be not found, got %v", err)
	}
}
