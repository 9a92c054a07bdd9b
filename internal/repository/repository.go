package repository

import (
	"context"
	"time"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
)

// UserRepository persists users and their owner memberships.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// OwnerRepository manages namespaces.
type OwnerRepository interface {
	CreateOwner(ctx context.Context, owner *domain.Owner, memberUserID string) error
	GetOwnerByName(ctx context.Context, name string) (*domain.Owner, error)
	ListOwnersByUser(ctx context.Context, userID string) ([]domain.Owner, error)
	IsOwnerMember(ctx context.Context, ownerID, userID string) (bool, error)
}

// SessionRepository stores dashboard sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, before time.Time) error
}

// ProjectRepository persists projects, tokens, env vars and domains.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project, tokenDigest []byte) error
	GetProject(ctx context.Context, ownerName, projectName string) (*domain.Project, error)
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProjectState(ctx context.Context, projectID, state string) error
	DeleteProject(ctx context.Context, projectID string) error

	GetProjectTokenDigest(ctx context.Context, projectID string) ([]byte, error)

	ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error)
	UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error
	DeleteEnvVar(ctx context.Context, projectID, key string) error
}

// DomainRepository maps host labels to containers.
type DomainRepository interface {
	UpsertDomain(ctx context.Context, d *domain.Domain) error
	GetDomainByProject(ctx context.Context, projectID string) (*domain.Domain, error)
	GetDomainByName(ctx context.Context, name string) (*domain.Domain, error)
	DeleteDomainByProject(ctx context.Context, projectID string) error
}

// BuildRepository stores build history with guarded transitions.
type BuildRepository interface {
	// CreateBuild inserts a pending build and marks any other pending
	// builds of the project failed ("superseded") in the same
	// transaction.
	CreateBuild(ctx context.Context, build *domain.Build) error
	// MarkBuildBuilding flips pending → building; ErrNotFound when the
	// build is no longer pending.
	MarkBuildBuilding(ctx context.Context, buildID string) error
	// FinishBuild records a terminal status; ErrNotFound when the build
	// was already terminal.
	FinishBuild(ctx context.Context, buildID, status string) error
	AppendBuildLog(ctx context.Context, buildID, chunk string) error
	GetBuild(ctx context.Context, buildID string) (*domain.Build, error)
	LatestPendingBuild(ctx context.Context, projectID string) (*domain.Build, error)
	ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error)
	// FailInterruptedBuilds fails every non-terminal build at startup
	// and returns how many rows were touched.
	FailInterruptedBuilds(ctx context.Context, reason string) (int, error)
}
