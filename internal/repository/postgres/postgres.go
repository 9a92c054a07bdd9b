package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository    = (*Repository)(nil)
	_ repository.OwnerRepository   = (*Repository)(nil)
	_ repository.SessionRepository = (*Repository)(nil)
	_ repository.ProjectRepository = (*Repository)(nil)
	_ repository.DomainRepository  = (*Repository)(nil)
	_ repository.BuildRepository   = (*Repository)(nil)
)

func translateErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, username, password_hash, name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.PasswordHash, user.Name, user.Role, user.CreatedAt)
	return translateErr(err)
}

// GetUserByUsername fetches a live user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `SELECT id, username, password_hash, name, role, created_at, updated_at
		FROM users WHERE username = $1 AND deleted_at IS NULL`
	return r.scanUser(r.pool.QueryRow(ctx, query, username))
}

// GetUserByID retrieves a live user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, username, password_hash, name, role, created_at, updated_at
		FROM users WHERE id = $1 AND deleted_at IS NULL`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Name, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateOwner inserts an owner and links the first member.
func (r *Repository) CreateOwner(ctx context.Context, owner *domain.Owner, memberUserID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const ownerInsert = `INSERT INTO project_owners (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $3)`
	if _, err := tx.Exec(ctx, ownerInsert, owner.ID, owner.Name, owner.CreatedAt); err != nil {
		return translateErr(err)
	}
	const memberInsert = `INSERT INTO user_owners (user_id, owner_id) VALUES ($1, $2)`
	if _, err := tx.Exec(ctx, memberInsert, memberUserID, owner.ID); err != nil {
		return translateErr(err)
	}
	return tx.Commit(ctx)
}

// GetOwnerByName fetches a live owner.
func (r *Repository) GetOwnerByName(ctx context.Context, name string) (*domain.Owner, error) {
	const query = `SELECT id, name, created_at, updated_at
		FROM project_owners WHERE name = $1 AND deleted_at IS NULL`
	var o domain.Owner
	if err := r.pool.QueryRow(ctx, query, name).Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// ListOwnersByUser returns owners the user belongs to.
func (r *Repository) ListOwnersByUser(ctx context.Context, userID string) ([]domain.Owner, error) {
	const query = `SELECT o.id, o.name, o.created_at, o.updated_at
		FROM project_owners o
		INNER JOIN user_owners uo ON uo.owner_id = o.id
		WHERE uo.user_id = $1 AND o.deleted_at IS NULL
		ORDER BY o.created_at ASC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	owners := make([]domain.Owner, 0)
	for rows.Next() {
		var o domain.Owner
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// IsOwnerMember reports whether the user belongs to the owner.
func (r *Repository) IsOwnerMember(ctx context.Context, ownerID, userID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM user_owners WHERE owner_id = $1 AND user_id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, ownerID, userID).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// CreateSession inserts a session row.
func (r *Repository) CreateSession(ctx context.Context, session *domain.Session) error {
	const query = `INSERT INTO sessions (id, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, session.ID, session.UserID, session.ExpiresAt, session.CreatedAt)
	return translateErr(err)
}

// GetSession loads a session by identifier.
func (r *Repository) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	const query = `SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = $1`
	var s domain.Session
	if err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// DeleteSession removes a session.
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// DeleteExpiredSessions sweeps sessions past their expiry.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, before time.Time) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	return err
}

// CreateProject inserts a project and its git token digest.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project, tokenDigest []byte) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const projectInsert = `INSERT INTO projects (id, owner_id, name, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`
	if _, err := tx.Exec(ctx, projectInsert, project.ID, project.OwnerID, project.Name, project.State, project.CreatedAt); err != nil {
		return translateErr(err)
	}
	const tokenInsert = `INSERT INTO project_tokens (project_id, token_hash, created_at)
		VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, tokenInsert, project.ID, tokenDigest, project.CreatedAt); err != nil {
		return translateErr(err)
	}
	return tx.Commit(ctx)
}

const projectColumns = `p.id, p.owner_id, o.name, p.name, p.state, p.created_at, p.updated_at`

func scanProject(row pgx.Row) (*domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.OwnerID, &p.OwnerName, &p.Name, &p.State, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetProject fetches a live project by (owner name, project name).
func (r *Repository) GetProject(ctx context.Context, ownerName, projectName string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects p
		INNER JOIN project_owners o ON o.id = p.owner_id
		WHERE o.name = $1 AND p.name = $2 AND p.deleted_at IS NULL AND o.deleted_at IS NULL`
	return scanProject(r.pool.QueryRow(ctx, query, ownerName, projectName))
}

// GetProjectByID fetches a live project by identifier.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects p
		INNER JOIN project_owners o ON o.id = p.owner_id
		WHERE p.id = $1 AND p.deleted_at IS NULL`
	return scanProject(r.pool.QueryRow(ctx, query, projectID))
}

// ListProjectsByUser returns projects of every owner the user belongs to.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects p
		INNER JOIN project_owners o ON o.id = p.owner_id
		INNER JOIN user_owners uo ON uo.owner_id = o.id
		WHERE uo.user_id = $1 AND p.deleted_at IS NULL AND o.deleted_at IS NULL
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT 100`
	return r.collectProjects(ctx, query, userID)
}

// ListProjects returns every live project.
func (r *Repository) ListProjects(ctx context.Context) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + `
		FROM projects p
		INNER JOIN project_owners o ON o.id = p.owner_id
		WHERE p.deleted_at IS NULL`
	return r.collectProjects(ctx, query)
}

func (r *Repository) collectProjects(ctx context.Context, query string, args ...any) ([]domain.Project, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.OwnerName, &p.Name, &p.State, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectState records a state transition.
func (r *Repository) UpdateProjectState(ctx context.Context, projectID, state string) error {
	const query = `UPDATE projects SET state = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.pool.Exec(ctx, query, projectID, state)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteProject removes a project and everything it owns.
func (r *Repository) DeleteProject(ctx context.Context, projectID string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, query := range []string{
		`DELETE FROM domains WHERE project_id = $1`,
		`DELETE FROM builds WHERE project_id = $1`,
		`DELETE FROM project_envs WHERE project_id = $1`,
		`DELETE FROM project_tokens WHERE project_id = $1`,
	} {
		if _, err := tx.Exec(ctx, query, projectID); err != nil {
			return translateErr(err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return tx.Commit(ctx)
}

// GetProjectTokenDigest returns the stored git token digest.
func (r *Repository) GetProjectTokenDigest(ctx context.Context, projectID string) ([]byte, error) {
	const query = `SELECT token_hash FROM project_tokens WHERE project_id = $1`
	var digest []byte
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&digest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return digest, nil
}

// ListEnvVars returns environment variables for a project.
func (r *Repository) ListEnvVars(ctx context.Context, projectID string) ([]domain.EnvVar, error) {
	const query = `SELECT project_id, key, value, created_at, updated_at
		FROM project_envs WHERE project_id = $1 ORDER BY key`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := make([]domain.EnvVar, 0)
	for rows.Next() {
		var e domain.EnvVar
		if err := rows.Scan(&e.ProjectID, &e.Key, &e.Value, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		vars = append(vars, e)
	}
	return vars, rows.Err()
}

// UpsertEnvVar upserts one environment variable.
func (r *Repository) UpsertEnvVar(ctx context.Context, envVar *domain.EnvVar) error {
	const query = `INSERT INTO project_envs (project_id, key, value, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (project_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, envVar.ProjectID, envVar.Key, envVar.Value)
	return translateErr(err)
}

// DeleteEnvVar removes one key; missing keys are a no-op.
func (r *Repository) DeleteEnvVar(ctx context.Context, projectID, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM project_envs WHERE project_id = $1 AND key = $2`, projectID, key)
	return err
}

// UpsertDomain records the routable address of a project.
func (r *Repository) UpsertDomain(ctx context.Context, d *domain.Domain) error {
	const query = `INSERT INTO domains (id, project_id, name, container_ip, container_port, db_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (project_id) DO UPDATE SET
			name = EXCLUDED.name,
			container_ip = EXCLUDED.container_ip,
			container_port = EXCLUDED.container_port,
			db_url = COALESCE(EXCLUDED.db_url, domains.db_url),
			updated_at = NOW()`
	_, err := r.pool.Exec(ctx, query, d.ID, d.ProjectID, d.Name, d.ContainerIP, d.ContainerPort, stringPtrToNil(d.DBURL))
	return translateErr(err)
}

const domainColumns = `id, project_id, name, container_ip, container_port, db_url, created_at, updated_at`

func scanDomain(row pgx.Row) (*domain.Domain, error) {
	var (
		d     domain.Domain
		dbURL sql.NullString
	)
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Name, &d.ContainerIP, &d.ContainerPort, &dbURL, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if dbURL.Valid {
		value := dbURL.String
		d.DBURL = &value
	}
	return &d, nil
}

// GetDomainByProject returns the live domain of a project.
func (r *Repository) GetDomainByProject(ctx context.Context, projectID string) (*domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE project_id = $1`
	return scanDomain(r.pool.QueryRow(ctx, query, projectID))
}

// GetDomainByName resolves a host label.
func (r *Repository) GetDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	query := `SELECT ` + domainColumns + ` FROM domains WHERE name = $1`
	return scanDomain(r.pool.QueryRow(ctx, query, name))
}

// DeleteDomainByProject removes the domain row of a project.
func (r *Repository) DeleteDomainByProject(ctx context.Context, projectID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM domains WHERE project_id = $1`, projectID)
	return err
}

// CreateBuild inserts a pending build, superseding older pendings of
// the same project in the same transaction.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const supersede = `UPDATE builds
		SET status = 'failed',
			log = log || $2,
			finished_at = NOW(),
			updated_at = NOW()
		WHERE project_id = $1 AND status = 'pending'`
	if _, err := tx.Exec(ctx, supersede, build.ProjectID, "\nbuild superseded by a newer push\n"); err != nil {
		return translateErr(err)
	}
	const insert = `INSERT INTO builds (id, project_id, status, log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`
	if _, err := tx.Exec(ctx, insert, build.ID, build.ProjectID, build.Status, build.Log, build.CreatedAt); err != nil {
		return translateErr(err)
	}
	return tx.Commit(ctx)
}

// MarkBuildBuilding flips pending → building.
func (r *Repository) MarkBuildBuilding(ctx context.Context, buildID string) error {
	const query = `UPDATE builds SET status = 'building', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, query, buildID)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FinishBuild records a terminal status exactly once.
func (r *Repository) FinishBuild(ctx context.Context, buildID, status string) error {
	if status != domain.BuildSuccessful && status != domain.BuildFailed {
		return repository.ErrInvalidArgument
	}
	const query = `UPDATE builds SET status = $2, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'building')`
	tag, err := r.pool.Exec(ctx, query, buildID, status)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// AppendBuildLog appends a chunk to a non-terminal build's log.
func (r *Repository) AppendBuildLog(ctx context.Context, buildID, chunk string) error {
	const query = `UPDATE builds SET log = log || $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'building')`
	_, err := r.pool.Exec(ctx, query, buildID, chunk)
	return translateErr(err)
}

const buildColumns = `id, project_id, status, log, created_at, updated_at, finished_at`

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var (
		b        domain.Build
		finished sql.NullTime
	)
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Status, &b.Log, &b.CreatedAt, &b.UpdatedAt, &finished); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if finished.Valid {
		value := finished.Time
		b.FinishedAt = &value
	}
	return &b, nil
}

// GetBuild fetches a build by identifier.
func (r *Repository) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`
	return scanBuild(r.pool.QueryRow(ctx, query, buildID))
}

// LatestPendingBuild returns the newest pending build of a project.
func (r *Repository) LatestPendingBuild(ctx context.Context, projectID string) (*domain.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds
		WHERE project_id = $1 AND status = 'pending'
		ORDER BY id DESC LIMIT 1`
	return scanBuild(r.pool.QueryRow(ctx, query, projectID))
}

// ListBuildsByProject returns recent builds, newest first. Logs are
// omitted to keep list responses small.
func (r *Repository) ListBuildsByProject(ctx context.Context, projectID string, limit int) ([]domain.Build, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	const query = `SELECT id, project_id, status, created_at, updated_at, finished_at
		FROM builds WHERE project_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		var (
			b        domain.Build
			finished sql.NullTime
		)
		if err := rows.Scan(&b.ID, &b.ProjectID, &b.Status, &b.CreatedAt, &b.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		if finished.Valid {
			value := finished.Time
			b.FinishedAt = &value
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// FailInterruptedBuilds fails every pending or building row, used at
// startup and shutdown.
func (r *Repository) FailInterruptedBuilds(ctx context.Context, reason string) (int, error) {
	const query = `UPDATE builds
		SET status = 'failed',
			log = log || $1,
			finished_at = NOW(),
			updated_at = NOW()
		WHERE status IN ('pending', 'building')`
	tag, err := r.pool.Exec(ctx, query, fmt.Sprintf("\nbuild aborted: %s\n", reason))
	if err != nil {
		return 0, translateErr(err)
	}
	return int(tag.RowsAffected()), nil
}

func stringPtrToNil(v *string) any {
	if v == nil {
		return nil
	}
	if strings.TrimSpace(*v) == "" {
		return nil
	}
	return *v
}
