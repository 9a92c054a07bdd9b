package project

import (
	"context"
	"errors"
	"fmt"
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
	// ErrDuplicateProject is returned for a name already taken within
	// the owner.
	ErrDuplicateProject = errors.New("project: already exists")
	// ErrOwnerNotFound is returned when the owner namespace is unknown.
	ErrOwnerNotFound = errors.New("project: owner does not exist")
	// ErrForbidden is returned when the user is not a member of the
	// owner.
	ErrForbidden = errors.New("project: not a member of owner")
)

// Repos abstracts bare-repository management on disk.
type Repos interface {
	InitRepo(ctx context.Context, ownerName, projectName string) error
	RemoveRepo(ownerName, projectName string) error
}

// Builder schedules and cancels builds.
type Builder interface {
	Enqueue(ctx context.Context, project *domain.Project, ref string) (string, error)
	Cancel(ctx context.Context, projectID string)
}

// Runtime tears down a project's containers.
type Runtime interface {
	Destroy(ctx context.Context, project *domain.Project) error
}

// Service orchestrates project management.
type Service struct {
	projects repository.ProjectRepository
	owners   repository.OwnerRepository
	builds   repository.BuildRepository
	repos    Repos
	builder  Builder
	runtime  Runtime
	logger   *slog.Logger
	cfg      config.Settings
}

// New returns a project service.
func New(projects repository.ProjectRepository, owners repository.OwnerRepository, builds repository.BuildRepository, repos Repos, builder Builder, runtime Runtime, logger *slog.Logger, cfg config.Settings) *Service {
	return &Service{
		projects: projects,
		owners:   owners,
		builds:   builds,
		repos:    repos,
		builder:  builder,
		runtime:  runtime,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateResult is the one-time response of project creation; the git
// password is never shown again.
type CreateResult struct {
	ID          string `json:"id"`
	OwnerName   string `json:"owner_name"`
	ProjectName string `json:"project_name"`
	Domain      string `json:"domain"`
	GitUsername string `json:"git_username"`
	GitPassword string `json:"git_password"`
}

// Create validates, stores, and initializes a project: row, token,
// bare repository.
func (s *Service) Create(ctx context.Context, userID, ownerName, projectName string) (*CreateResult, error) {
	projectName = strings.TrimSuffix(strings.TrimSpace(projectName), ".git")
	if err := domain.ValidateProjectName(projectName); err != nil {
		return nil, err
	}
	owner, err := s.owners.GetOwnerByName(ctx, strings.TrimSpace(ownerName))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOwnerNotFound
		}
		return nil, err
	}
	if userID != "" {
		member, err := s.owners.IsOwnerMember(ctx, owner.ID, userID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, ErrForbidden
		}
	}

	token, err := crypto.NewToken()
	if err != nil {
		return nil, err
	}
	project := &domain.Project{
		ID:        uuid.NewString(),
		OwnerID:   owner.ID,
		OwnerName: owner.Name,
		Name:      projectName,
		State:     domain.StateEmpty,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project, crypto.DigestToken(token)); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrDuplicateProject
		}
		return nil, err
	}
	if err := s.repos.InitRepo(ctx, owner.Name, projectName); err != nil {
		// Roll the row back so a retry can succeed.
		if derr := s.projects.DeleteProject(ctx, project.ID); derr != nil {
			s.logger.Error("rollback project row failed", "project_id", project.ID, "error", derr)
		}
		return nil, fmt.Errorf("initialize repository: %w", err)
	}

	scheme := "http"
	if s.cfg.Application.Secure {
		scheme = "https"
	}
	s.logger.Info("project created", "project_id", project.ID, "owner", owner.Name, "name", projectName)
	return &CreateResult{
		ID:          project.ID,
		OwnerName:   owner.Name,
		ProjectName: projectName,
		Domain:      fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Application.Domain, owner.Name, projectName),
		GitUsername: owner.Name,
		GitPassword: token,
	}, nil
}

// Get resolves a project by owner and name.
func (s *Service) Get(ctx context.Context, ownerName, projectName string) (*domain.Project, error) {
	return s.projects.GetProject(ctx, ownerName, projectName)
}

// IsMember reports whether the user belongs to the project's owner.
func (s *Service) IsMember(ctx context.Context, userID string, project *domain.Project) (bool, error) {
	return s.owners.IsOwnerMember(ctx, project.OwnerID, userID)
}

// ListByUser returns projects of every owner the user belongs to.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByUser(ctx, userID)
}

// Delete terminates builds, destroys the runtime, and removes rows and
// the bare repository.
func (s *Service) Delete(ctx context.Context, ownerName, projectName string) error {
	project, err := s.projects.GetProject(ctx, ownerName, projectName)
	if err != nil {
		return err
	}
	s.builder.Cancel(ctx, project.ID)
	if err := s.runtime.Destroy(ctx, project); err != nil {
		s.logger.Warn("runtime destroy failed during delete", "project_id", project.ID, "error", err)
	}
	if err := s.projects.DeleteProject(ctx, project.ID); err != nil {
		return err
	}
	if err := s.repos.RemoveRepo(ownerName, projectName); err != nil {
		s.logger.Warn("remove bare repo failed", "project_id", project.ID, "error", err)
	}
	s.logger.Info("project deleted", "project_id", project.ID)
	return nil
}

// Env returns the project's environment as a map.
func (s *Service) Env(ctx context.Context, project *domain.Project) (map[string]string, error) {
	vars, err := s.projects.ListEnvVars(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		env[v.Key] = string(v.Value)
	}
	return env, nil
}

// SetEnv upserts one key. Running projects are rebuilt so the new
// value reaches the container.
func (s *Service) SetEnv(ctx context.Context, project *domain.Project, key, value string) error {
	if err := domain.ValidateEnvVar(key, []byte(value)); err != nil {
		return err
	}
	if err := s.projects.UpsertEnvVar(ctx, &domain.EnvVar{
		ProjectID: project.ID,
		Key:       key,
		Value:     []byte(value),
	}); err != nil {
		return err
	}
	s.rebuildIfRunning(ctx, project)
	return nil
}

// DeleteEnv removes one key; missing keys are a no-op success.
func (s *Service) DeleteEnv(ctx context.Context, project *domain.Project, key string) error {
	if err := s.projects.DeleteEnvVar(ctx, project.ID, key); err != nil {
		return err
	}
	s.rebuildIfRunning(ctx, project)
	return nil
}

func (s *Service) rebuildIfRunning(ctx context.Context, project *domain.Project) {
	if project.State != domain.StateRunning {
		return
	}
	if _, err := s.builder.Enqueue(ctx, project, gitpkg.BuildRef); err != nil {
		s.logger.Error("env rebuild enqueue failed", "project_id", project.ID, "error", err)
	}
}

// Builds lists recent builds of a project, newest first.
func (s *Service) Builds(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	return s.builds.ListBuildsByProject(ctx, projectID, limit)
}

// Build fetches a single build including its log.
func (s *Service) Build(ctx context.Context, projectID, buildID string) (*domain.Build, error) {
	build, err := s.builds.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.ProjectID != projectID {
		return nil, repository.ErrNotFound
	}
	return build, nil
}
