package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	gitpkg "github.com/mustafasegf/pemasak-infra/internal/git"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
	"github.com/mustafasegf/pemasak-infra/internal/workspace"
)

const termGrace = 5 * time.Second

// ImageBuilder builds a tagged image from a prepared directory using a
// repository Dockerfile.
type ImageBuilder interface {
	BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput func(string)) error
}

// Swapper replaces a project's running container with a new image.
type Swapper interface {
	Swap(ctx context.Context, project *domain.Project, image string, onLog func(string)) error
}

// Publisher fans build log lines out to live subscribers.
type Publisher interface {
	Publish(projectID, source, line string)
}

// Service is the builder: it turns pushed refs into running
// containers, one build at a time per project.
type Service struct {
	builds    repository.BuildRepository
	projects  repository.ProjectRepository
	images    ImageBuilder
	swapper   Swapper
	publisher Publisher
	workspace *workspace.Manager
	logger    *slog.Logger

	repoBase string
	timeout  time.Duration
	checkout func(ctx context.Context, repoPath, ref, dest string) error

	// buildSem caps concurrent builds across all projects.
	buildSem chan struct{}

	mu      sync.Mutex
	workers map[string]*worker
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type worker struct {
	notify chan job
}

type job struct {
	project domain.Project
	ref     string
}

// New constructs the build service.
func New(builds repository.BuildRepository, projects repository.ProjectRepository, images ImageBuilder, swapper Swapper, publisher Publisher, ws *workspace.Manager, logger *slog.Logger, repoBase string, timeout time.Duration, maxConcurrent int) *Service {
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Service{
		builds:    builds,
		projects:  projects,
		images:    images,
		swapper:   swapper,
		publisher: publisher,
		workspace: ws,
		logger:    logger,
		repoBase:  repoBase,
		timeout:   timeout,
		checkout:  gitpkg.CheckoutWorkTree,
		buildSem:  make(chan struct{}, maxConcurrent),
		workers:   make(map[string]*worker),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Enqueue records a pending build and wakes the project worker. Older
// pending builds of the project are superseded; the newest wins.
func (s *Service) Enqueue(ctx context.Context, project *domain.Project, ref string) (string, error) {
	build := &domain.Build{
		ID:        ulid.Make().String(),
		ProjectID: project.ID,
		Status:    domain.BuildPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.builds.CreateBuild(ctx, build); err != nil {
		return "", fmt.Errorf("create build: %w", err)
	}
	s.kick(*project, ref)
	return build.ID, nil
}

func (s *Service) kick(project domain.Project, ref string) {
	s.mu.Lock()
	w, ok := s.workers[project.ID]
	if !ok {
		w = &worker{notify: make(chan job, 1)}
		s.workers[project.ID] = w
		s.wg.Add(1)
		go s.runWorker(w)
	}
	s.mu.Unlock()

	// Replace a queued job rather than blocking; the worker reads the
	// newest pending build from the store anyway.
	for {
		select {
		case w.notify <- job{project: project, ref: ref}:
			return
		default:
			select {
			case <-w.notify:
			default:
			}
		}
	}
}

func (s *Service) runWorker(w *worker) {
	defer s.wg.Done()
	for j := range w.notify {
		s.runNext(j.project, j.ref)
	}
}

// runNext executes the newest pending build of a project, if any.
func (s *Service) runNext(project domain.Project, ref string) {
	s.buildSem <- struct{}{}
	defer func() { <-s.buildSem }()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	s.cancels[project.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, project.ID)
		s.mu.Unlock()
	}()

	build, err := s.builds.LatestPendingBuild(ctx, project.ID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("load pending build failed", "project_id", project.ID, "error", err)
		}
		return
	}
	if err := s.builds.MarkBuildBuilding(ctx, build.ID); err != nil {
		// Already superseded or cancelled between SELECT and UPDATE.
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Error("mark build building failed", "build_id", build.ID, "error", err)
		}
		return
	}

	log := s.logger.With("build_id", build.ID, "project_id", project.ID)
	emit := func(line string) {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			return
		}
		if err := s.builds.AppendBuildLog(context.Background(), build.ID, line+"\n"); err != nil {
			log.Warn("append build log failed", "error", err)
		}
		if s.publisher != nil {
			s.publisher.Publish(project.ID, "build", line)
		}
		log.Debug("build output", "line", line)
	}

	if err := s.execute(ctx, &project, build, ref, emit, log); err != nil {
		emit(fmt.Sprintf("build failed: %v", err))
		if err := s.builds.FinishBuild(context.Background(), build.ID, domain.BuildFailed); err != nil {
			log.Error("finish build failed", "error", err)
		}
		log.Error("build failed", "error", err)
		return
	}
	if err := s.builds.FinishBuild(context.Background(), build.ID, domain.BuildSuccessful); err != nil {
		log.Error("finish build failed", "error", err)
	}
	if err := s.projects.UpdateProjectState(context.Background(), project.ID, domain.StateRunning); err != nil {
		log.Error("update project state failed", "error", err)
	}
	log.Info("build successful")
}

func (s *Service) execute(ctx context.Context, project *domain.Project, build *domain.Build, ref string, emit func(string), log *slog.Logger) error {
	emit(fmt.Sprintf("build %s started for %s/%s@%s", build.ID, project.OwnerName, project.Name, ref))

	dir, err := s.workspace.Prepare(build.ID)
	if err != nil {
		return fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := s.workspace.Cleanup(dir); err != nil {
			log.Warn("workspace cleanup failed", "error", err)
		}
	}()

	repoPath := gitpkg.RepoPath(s.repoBase, project.OwnerName, project.Name)
	emit("checking out " + ref)
	if err := s.checkout(ctx, repoPath, ref, dir); err != nil {
		return err
	}

	vars, err := s.projects.ListEnvVars(ctx, project.ID)
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	tag := domain.ImageTag(project.ID, build.ID)
	if hasDockerfile(dir) {
		emit("Dockerfile detected, building image " + tag)
		args := make(map[string]*string, len(vars))
		for _, v := range vars {
			value := string(v.Value)
			args[v.Key] = &value
		}
		if err := s.images.BuildImage(ctx, dir, tag, args, emit); err != nil {
			return err
		}
	} else {
		emit("no Dockerfile, running auto-detect build for " + tag)
		if err := s.nixpacksBuild(ctx, dir, tag, vars, emit); err != nil {
			return err
		}
	}
	emit("image built: " + tag)

	emit("deploying container")
	if err := s.swapper.Swap(ctx, project, tag, emit); err != nil {
		return fmt.Errorf("swap container: %w", err)
	}
	emit("deployment complete")
	return nil
}

// nixpacksBuild shells out to the auto-detecting builder. The
// subprocess receives SIGTERM on cancellation and SIGKILL five seconds
// later.
func (s *Service) nixpacksBuild(ctx context.Context, dir, tag string, vars []domain.EnvVar, emit func(string)) error {
	args := []string{"build", dir, "--name", tag}
	for _, v := range vars {
		args = append(args, "--env", v.Key+"="+string(v.Value))
	}
	cmd := exec.CommandContext(ctx, "nixpacks", args...)
	cmd.Env = os.Environ()
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("builder stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start builder: %w", err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("builder cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("builder failed: %w", err)
	}
	return nil
}

// Cancel aborts the in-flight build of a project, if any, and fails
// its pending builds.
func (s *Service) Cancel(ctx context.Context, projectID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[projectID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	for {
		build, err := s.builds.LatestPendingBuild(ctx, projectID)
		if err != nil {
			return
		}
		if err := s.builds.FinishBuild(ctx, build.ID, domain.BuildFailed); err != nil {
			return
		}
	}
}

// Recover transitions builds interrupted by a previous process to
// failed. Must run before the first Enqueue.
func (s *Service) Recover(ctx context.Context, reason string) error {
	n, err := s.builds.FailInterruptedBuilds(ctx, reason)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("recovered interrupted builds", "count", n, "reason", reason)
	}
	return nil
}

// Shutdown cancels running builds and waits for workers to drain.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	for _, w := range s.workers {
		close(w.notify)
	}
	s.workers = make(map[string]*worker)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("builder shutdown timed out")
	}
}

func hasDockerfile(dir string) bool {
	for _, name := range []string{"Dockerfile", "dockerfile"} {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}
