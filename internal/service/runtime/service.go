package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/google/uuid"

	"github.com/mustafasegf/pemasak-infra/internal/docker"
	"github.com/mustafasegf/pemasak-infra/internal/domain"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
)

const (
	// appPort is the port project containers are expected to listen
	// on; it is exported to the app as $PORT.
	appPort = 8080

	healthTimeout = 30 * time.Second
	healthPoll    = time.Second
	stopGrace     = 5 * time.Second
)

// ErrNoContainer indicates the project has no running container.
var ErrNoContainer = errors.New("runtime: no container for project")

// Engine is the subset of the docker client the runtime drives.
type Engine interface {
	EnsureNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	RunContainer(ctx context.Context, name, image, networkName string, env []string, appPort int) (docker.ContainerInfo, error)
	ContainerRunning(ctx context.Context, id string) (bool, error)
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	RenameContainer(ctx context.Context, id, name string) error
	ContainerLogsTail(ctx context.Context, id string, n int) (string, error)
	ExecShell(ctx context.Context, id string) (types.HijackedResponse, error)
	ListContainersByPrefix(ctx context.Context, prefix string) ([]docker.ContainerSummary, error)
	ListNetworksByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Invalidator drops cached route entries after a swap or destroy.
type Invalidator interface {
	Invalidate(name string)
}

// Service owns container lifecycle for projects.
type Service struct {
	engine   Engine
	projects repository.ProjectRepository
	domains  repository.DomainRepository
	cache    Invalidator
	logger   *slog.Logger

	// locks serializes destructive operations per project; container
	// starts for different projects proceed concurrently.
	locks sync.Map
}

// New constructs the runtime service.
func New(engine Engine, projects repository.ProjectRepository, domains repository.DomainRepository, cache Invalidator, logger *slog.Logger) *Service {
	return &Service{
		engine:   engine,
		projects: projects,
		domains:  domains,
		cache:    cache,
		logger:   logger,
	}
}

func (s *Service) lock(projectID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Swap replaces the project's container with one from image. The old
// container keeps serving until the new one is healthy; on failure the
// new container is removed and the old one stays.
func (s *Service) Swap(ctx context.Context, project *domain.Project, image string, onLog func(string)) error {
	mu := s.lock(project.ID)
	mu.Lock()
	defer mu.Unlock()

	emit := func(line string) {
		if onLog != nil {
			onLog(line)
		}
	}

	networkName := domain.NetworkName(project.ID)
	if _, err := s.engine.EnsureNetwork(ctx, networkName); err != nil {
		return fmt.Errorf("ensure network: %w", err)
	}

	env, err := s.containerEnv(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	current := domain.ContainerName(project.ID)
	next := current + "-next"
	// A crashed previous swap may have left a -next container behind.
	if err := s.engine.RemoveContainer(ctx, next); err != nil {
		s.logger.Warn("remove stale next container failed", "project_id", project.ID, "error", err)
	}

	emit(fmt.Sprintf("starting container from %s", image))
	info, err := s.engine.RunContainer(ctx, next, image, networkName, env, appPort)
	if err != nil {
		if info.ID != "" {
			_ = s.engine.RemoveContainer(ctx, info.ID)
		}
		return fmt.Errorf("start container: %w", err)
	}

	if err := s.waitHealthy(ctx, info.ID, emit); err != nil {
		_ = s.engine.RemoveContainer(ctx, info.ID)
		return fmt.Errorf("container failed health check: %w", err)
	}

	// The new container serves; retire the previous one.
	if running, err := s.engine.ContainerRunning(ctx, current); err == nil && running {
		emit("stopping previous container")
		if err := s.engine.StopContainer(ctx, current, stopGrace); err != nil {
			s.logger.Warn("stop previous container failed", "project_id", project.ID, "error", err)
		}
	}
	if err := s.engine.RemoveContainer(ctx, current); err != nil {
		s.logger.Warn("remove previous container failed", "project_id", project.ID, "error", err)
	}
	if err := s.engine.RenameContainer(ctx, info.ID, current); err != nil {
		s.logger.Warn("rename container failed", "project_id", project.ID, "error", err)
	}

	label := domain.HostLabel(project.OwnerName, project.Name)
	d := &domain.Domain{
		ID:            uuid.NewString(),
		ProjectID:     project.ID,
		Name:          label,
		ContainerIP:   "127.0.0.1",
		ContainerPort: info.HostPort,
	}
	if err := s.domains.UpsertDomain(ctx, d); err != nil {
		return fmt.Errorf("record domain: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(label)
	}
	emit(fmt.Sprintf("container serving on port %d", info.HostPort))
	s.logger.Info("container swapped", "project_id", project.ID, "host", label, "port", info.HostPort)
	return nil
}

// waitHealthy polls the container until a listening log line shows up
// or the window closes; a container that exits first fails the swap.
func (s *Service) waitHealthy(ctx context.Context, containerID string, emit func(string)) error {
	deadline := time.Now().Add(healthTimeout)
	for {
		running, err := s.engine.ContainerRunning(ctx, containerID)
		if err != nil {
			return err
		}
		if !running {
			logs, _ := s.engine.ContainerLogsTail(ctx, containerID, 40)
			if logs != "" {
				emit(logs)
			}
			return fmt.Errorf("container exited during startup")
		}
		logs, err := s.engine.ContainerLogsTail(ctx, containerID, 40)
		if err == nil && strings.Contains(strings.ToLower(logs), "listening") {
			return nil
		}
		if time.Now().After(deadline) {
			// Still running after the window; treat as healthy even
			// without an explicit listening line.
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPoll):
		}
	}
}

func (s *Service) containerEnv(ctx context.Context, projectID string) ([]string, error) {
	vars, err := s.projects.ListEnvVars(ctx, projectID)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(vars)+1)
	for _, v := range vars {
		env = append(env, v.Key+"="+string(v.Value))
	}
	env = append(env, fmt.Sprintf("PORT=%d", appPort))
	return env, nil
}

// Logs returns the last n lines from the project's container.
func (s *Service) Logs(ctx context.Context, projectID string, n int) (string, error) {
	name := domain.ContainerName(projectID)
	running, err := s.engine.ContainerRunning(ctx, name)
	if err != nil {
		return "", err
	}
	if !running {
		return "", ErrNoContainer
	}
	return s.engine.ContainerLogsTail(ctx, name, n)
}

// Terminal attaches a shell exec inside the current container.
func (s *Service) Terminal(ctx context.Context, projectID string) (types.HijackedResponse, error) {
	name := domain.ContainerName(projectID)
	running, err := s.engine.ContainerRunning(ctx, name)
	if err != nil {
		return types.HijackedResponse{}, err
	}
	if !running {
		return types.HijackedResponse{}, ErrNoContainer
	}
	return s.engine.ExecShell(ctx, name)
}

// Destroy stops and removes the project's container, network, and
// domain row.
func (s *Service) Destroy(ctx context.Context, project *domain.Project) error {
	mu := s.lock(project.ID)
	mu.Lock()
	defer mu.Unlock()

	name := domain.ContainerName(project.ID)
	for _, candidate := range []string{name + "-next", name} {
		if err := s.engine.StopContainer(ctx, candidate, stopGrace); err != nil {
			s.logger.Warn("stop container failed", "container", candidate, "error", err)
		}
		if err := s.engine.RemoveContainer(ctx, candidate); err != nil {
			s.logger.Warn("remove container failed", "container", candidate, "error", err)
		}
	}
	if err := s.engine.RemoveNetwork(ctx, domain.NetworkName(project.ID)); err != nil {
		s.logger.Warn("remove network failed", "project_id", project.ID, "error", err)
	}
	if err := s.domains.DeleteDomainByProject(ctx, project.ID); err != nil {
		return fmt.Errorf("delete domain: %w", err)
	}
	if s.cache != nil {
		s.cache.Invalidate(domain.HostLabel(project.OwnerName, project.Name))
	}
	s.logger.Info("runtime destroyed", "project_id", project.ID)
	return nil
}

// Alive reports whether the project's container is running.
func (s *Service) Alive(ctx context.Context, projectID string) (bool, error) {
	return s.engine.ContainerRunning(ctx, domain.ContainerName(projectID))
}

// Reconcile removes containers and networks that no longer belong to a
// live project. Called at startup.
func (s *Service) Reconcile(ctx context.Context) error {
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	live := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		live[p.ID] = struct{}{}
	}

	containers, err := s.engine.ListContainersByPrefix(ctx, "pws-")
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, ctr := range containers {
		projectID := strings.TrimSuffix(strings.TrimPrefix(ctr.Name, "pws-"), "-next")
		if _, ok := live[projectID]; ok {
			continue
		}
		s.logger.Info("removing stale container", "container", ctr.Name)
		if err := s.engine.RemoveContainer(ctx, ctr.ID); err != nil {
			s.logger.Warn("remove stale container failed", "container", ctr.Name, "error", err)
		}
	}

	networks, err := s.engine.ListNetworksByPrefix(ctx, "pwsnet-")
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, name := range networks {
		projectID := strings.TrimPrefix(name, "pwsnet-")
		if _, ok := live[projectID]; ok {
			continue
		}
		s.logger.Info("removing stale network", "network", name)
		if err := s.engine.RemoveNetwork(ctx, name); err != nil {
			s.logger.Warn("remove stale network failed", "network", name, "error", err)
		}
	}
	return nil
}
