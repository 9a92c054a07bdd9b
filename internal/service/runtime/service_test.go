package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/mustafasegf/pemasak-infra/internal/docker"
	"github.com/mustafasegf/pemasak-infra/internal/domain"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
)

type fakeEngine struct {
	mu         sync.Mutex
	running    map[string]bool
	logs       map[string]string
	ids        map[string]string
	removed    []string
	renamed    map[string]string
	networks   map[string]bool
	startErr   error
	containers []docker.ContainerSummary
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		running:  make(map[string]bool),
		logs:     make(map[string]string),
		ids:      make(map[string]string),
		renamed:  make(map[string]string),
		networks: make(map[string]bool),
	}
}

func (f *fakeEngine) EnsureNetwork(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks[name] = true
	return "net-" + name, nil
}

func (f *fakeEngine) RemoveNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.networks, name)
	return nil
}

func (f *fakeEngine) RunContainer(ctx context.Context, name, image, networkName string, env []string, port int) (docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return docker.ContainerInfo{}, f.startErr
	}
	id := "id-" + name
	f.ids[name] = id
	f.running[id] = true
	f.running[name] = true
	f.logs[id] = "listening on port 8080"
	return docker.ContainerInfo{ID: id, IP: "172.18.0.2", HostPort: 49200}, nil
}

func (f *fakeEngine) ContainerRunning(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id], nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	delete(f.running, id)
	return nil
}

func (f *fakeEngine) RenameContainer(ctx context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renamed[id] = name
	f.running[name] = true
	return nil
}

func (f *fakeEngine) ContainerLogsTail(ctx context.Context, id string, n int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[id], nil
}

func (f *fakeEngine) ExecShell(ctx context.Context, id string) (types.HijackedResponse, error) {
	return types.HijackedResponse{}, nil
}

func (f *fakeEngine) ListContainersByPrefix(ctx context.Context, prefix string) ([]docker.ContainerSummary, error) {
	return f.containers, nil
}

func (f *fakeEngine) ListNetworksByPrefix(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.networks))
	for name := range f.networks {
		names = append(names, name)
	}
	return names, nil
}

type fakeDomains struct {
	mu      sync.Mutex
	byName  map[string]*domain.Domain
	deleted []string
}

func newFakeDomains() *fakeDomains {
	return &fakeDomains{byName: make(map[string]*domain.Domain)}
}

func (f *fakeDomains) UpsertDomain(ctx context.Context, d *domain.Domain) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byName[d.Name] = d
	return nil
}

func (f *fakeDomains) GetDomainByProject(ctx context.Context, projectID string) (*domain.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.byName {
		if d.ProjectID == projectID {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDomains) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.byName[name]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeDomains) DeleteDomainByProject(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, d := range f.byName {
		if d.ProjectID == projectID {
			delete(f.byName, name)
		}
	}
	f.deleted = append(f.deleted, projectID)
	return nil
}

type fakeProjects struct {
	projects []domain.Project
	envs     map[string][]domain.EnvVar
}

func (f *fakeProjects) CreateProject(ctx context.Context, project *domain.Project, tokenDigest []byte) error {
	return nil
}

func (f *fakeProjects) GetProject(ctx context.Context, ownerName, projectName string) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeProjects) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	for i := range f.projects {
		if f.projects[i].ID == projectID {
			return &f.projects[i], nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeProjects) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	return f.projects, nil
}

func (f *fakeProjects) ListProjects(ctx context.Context) ([]domain.Project, error) {
	return f.projects, nil
}

func (f *fakeProjects) UpdateProjectState(ctx context.Context, projectID, state string) error {
	return nil
}

func (f *fakeProjects) DeleteProject(ctx context.Context, projectID string) error { return nil }

func (f *fakeProjects) GetProjectTokenDigest(ctx context.Context, projectID string) ([]byte, error) {
	return nil, repository.ErrNotFound
}

func (f *fakeProjects) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	return f.envs[projectID], nil
}

func (f *fakeProjects) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error { return nil }

func (f *fakeProjects) DeleteEnvVar(ctx context.Context, projectID, key string) error { return nil }

type recordingCache struct {
	mu    sync.Mutex
	names []string
}

func (c *recordingCache) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names = append(c.names, name)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSwapStartsContainerAndRecordsDomain(t *testing.T) {
	engine := newFakeEngine()
	domains := newFakeDomains()
	cache := &recordingCache{}
	projects := &fakeProjects{envs: map[string][]domain.EnvVar{
		"p1": {{ProjectID: "p1", Key: "DEBUG", Value: []byte("1")}},
	}}
	svc := New(engine, projects, domains, cache, testLogger())

	project := &domain.Project{ID: "p1", OwnerName: "john.doe", Name: "booker"}
	if err := svc.Swap(context.Background(), project, "pemasak/p1:b1", nil); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	d, err := domains.GetDomainByName(context.Background(), "john-doe-booker")
	if err != nil {
		t.Fatalf("domain not recorded: %v", err)
	}
	if d.ContainerPort != 49200 {
		t.Fatalf("domain port = %d", d.ContainerPort)
	}
	if got := engine.renamed["id-pws-p1-next"]; got != "pws-p1" {
		t.Fatalf("container not renamed: %+v", engine.renamed)
	}
	if len(cache.names) == 0 || cache.names[0] != "john-doe-booker" {
		t.Fatalf("cache not invalidated: %+v", cache.names)
	}
	if !engine.networks["pwsnet-p1"] {
		t.Fatal("project network not created")
	}
}

func TestSwapFailureKeepsPreviousContainer(t *testing.T) {
	engine := newFakeEngine()
	engine.startErr = errors.New("image missing entrypoint")
	engine.running["pws-p1"] = true
	domains := newFakeDomains()
	projects := &fakeProjects{}
	svc := New(engine, projects, domains, &recordingCache{}, testLogger())

	project := &domain.Project{ID: "p1", OwnerName: "o", Name: "p"}
	if err := svc.Swap(context.Background(), project, "img", nil); err == nil {
		t.Fatal("expected swap failure")
	}
	if !engine.running["pws-p1"] {
		t.Fatal("previous container must stay when swap fails")
	}
	if _, err := domains.GetDomainByProject(context.Background(), "p1"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatal("no domain must be recorded on failed swap")
	}
}

func TestDestroyRemovesEverything(t *testing.T) {
	engine := newFakeEngine()
	engine.running["pws-p1"] = true
	engine.networks["pwsnet-p1"] = true
	domains := newFakeDomains()
	_ = domains.UpsertDomain(context.Background(), &domain.Domain{ProjectID: "p1", Name: "o-p"})
	svc := New(engine, &fakeProjects{}, domains, &recordingCache{}, testLogger())

	project := &domain.Project{ID: "p1", OwnerName: "o", Name: "p"}
	if err := svc.Destroy(context.Background(), project); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if engine.networks["pwsnet-p1"] {
		t.Fatal("network should be removed")
	}
	if len(domains.deleted) != 1 || domains.deleted[0] != "p1" {
		t.Fatalf("domain row not deleted: %+v", domains.deleted)
	}
}

func TestReconcileRemovesStaleContainers(t *testing.T) {
	engine := newFakeEngine()
	engine.containers = []docker.ContainerSummary{
		{ID: "c1", Name: "pws-live"},
		{ID: "c2", Name: "pws-ghost"},
		{ID: "c3", Name: "pws-ghost-next"},
	}
	engine.networks["pwsnet-live"] = true
	engine.networks["pwsnet-ghost"] = true
	projects := &fakeProjects{projects: []domain.Project{{ID: "live"}}}
	svc := New(engine, projects, newFakeDomains(), &recordingCache{}, testLogger())

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	removed := map[string]bool{}
	for _, id := range engine.removed {
		removed[id] = true
	}
	if !removed["c2"] || !removed["c3"] {
		t.Fatalf("stale containers not removed: %+v", engine.removed)
	}
	if removed["c1"] {
		t.Fatal("live container must not be removed")
	}
	if engine.networks["pwsnet-ghost"] {
		t.Fatal("stale network must be removed")
	}
	if !engine.networks["pwsnet-live"] {
		t.Fatal("live network must stay")
	}
}
