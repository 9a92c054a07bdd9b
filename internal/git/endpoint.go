package git

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"log/slog"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
)

// ErrUnauthorized is returned by a Gate when credentials are rejected.
var ErrUnauthorized = errors.New("git: unauthorized")

// BuildRef is the only ref whose update triggers a build.
const BuildRef = "refs/heads/master"

// Gate validates git Basic-auth credentials for a project.
type Gate interface {
	AuthorizeGit(ctx context.Context, remoteAddr, ownerName, projectName, username, password string) (*domain.Project, error)
}

// ProjectLookup resolves projects when authentication is disabled.
type ProjectLookup interface {
	GetProject(ctx context.Context, ownerName, projectName string) (*domain.Project, error)
}

// Builder enqueues a build for a freshly pushed ref.
type Builder interface {
	Enqueue(ctx context.Context, project *domain.Project, ref string) (string, error)
}

// Endpoint serves the smart-HTTP subset of the git protocol used by
// push and clone.
type Endpoint struct {
	base        string
	bodyLimit   int64
	authEnabled bool
	gate        Gate
	projects    ProjectLookup
	builder     Builder
	logger      *slog.Logger
	pushLocks   sync.Map
}

// NewEndpoint constructs the git endpoint.
func NewEndpoint(base string, bodyLimit int64, authEnabled bool, gate Gate, projects ProjectLookup, builder Builder, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		base:        base,
		bodyLimit:   bodyLimit,
		authEnabled: authEnabled,
		gate:        gate,
		projects:    projects,
		builder:     builder,
		logger:      logger,
	}
}

func (e *Endpoint) lock(projectID string) *sync.Mutex {
	mu, _ := e.pushLocks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Endpoint) authorize(w http.ResponseWriter, r *http.Request, owner, project string, write bool) (*domain.Project, bool) {
	ctx := r.Context()
	if !write || !e.authEnabled {
		proj, err := e.projects.GetProject(ctx, owner, project)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				http.Error(w, "repository not found", http.StatusNotFound)
			} else {
				e.logger.Error("project lookup failed", "owner", owner, "project", project, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
			return nil, false
		}
		return proj, true
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		e.challenge(w)
		return nil, false
	}
	proj, err := e.gate.AuthorizeGit(ctx, r.RemoteAddr, owner, project, username, password)
	switch {
	case err == nil:
		return proj, true
	case errors.Is(err, ErrUnauthorized):
		e.challenge(w)
		return nil, false
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "repository not found", http.StatusNotFound)
		return nil, false
	default:
		e.logger.Error("git auth failed", "owner", owner, "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
}

func (e *Endpoint) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="pemasak git"`)
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

// InfoRefs serves GET /<owner>/<project>/info/refs?service=...
func (e *Endpoint) InfoRefs(w http.ResponseWriter, r *http.Request, owner, project string) {
	service := gitService(r.URL.Query().Get("service"))
	if service != "receive-pack" && service != "upload-pack" {
		http.Error(w, "service not supported", http.StatusNotFound)
		return
	}
	proj, ok := e.authorize(w, r, owner, project, service == "receive-pack")
	if !ok {
		return
	}
	repoPath, err := e.ensureRepo(r.Context(), owner, project, proj)
	if err != nil {
		e.logger.Error("ensure repo failed", "owner", owner, "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git", service, "--stateless-rpc", "--advertise-refs", ".")
	cmd.Dir = repoPath
	cmd.Env = gitEnv(r)
	out, err := cmd.Output()
	if err != nil {
		e.logger.Error("advertise refs failed", "owner", owner, "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	noCache(w)
	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", service))
	_, _ = w.Write(packetWrite(fmt.Sprintf("# service=git-%s\n", service)))
	_, _ = w.Write(packetFlush())
	_, _ = w.Write(out)
}

// ReceivePack serves POST /<owner>/<project>/git-receive-pack. The
// request body is buffered, handed to git, and the report streamed
// back. A successful update of master enqueues a build.
func (e *Endpoint) ReceivePack(w http.ResponseWriter, r *http.Request, owner, project string) {
	proj, ok := e.authorize(w, r, owner, project, true)
	if !ok {
		return
	}
	body, status, err := e.readBody(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	updates, sideband, err := parseReceiveCommands(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Concurrent pushes to one project serialize here; the second
	// waits until the first receive-pack exits.
	mu := e.lock(proj.ID)
	mu.Lock()
	defer mu.Unlock()

	repoPath, err := e.ensureRepo(r.Context(), owner, project, proj)
	if err != nil {
		e.logger.Error("ensure repo failed", "owner", owner, "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out, err := e.servicePack(r, "receive-pack", repoPath, body)
	if err != nil {
		e.logger.Error("receive-pack failed", "owner", owner, "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var notice string
	if ref := buildableRef(updates); ref != "" {
		if buildID, err := e.builder.Enqueue(context.WithoutCancel(r.Context()), proj, ref); err != nil {
			e.logger.Error("build enqueue failed", "project_id", proj.ID, "error", err)
			notice = "push accepted, but scheduling the build failed; redeploy with another push"
		} else {
			e.logger.Info("build enqueued", "project_id", proj.ID, "build_id", buildID, "ref", ref)
		}
	} else if len(updates) > 0 {
		notice = "push accepted; only pushes to master are deployed"
	}
	if notice != "" && sideband {
		out = injectSidebandMessage(out, notice)
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	noCache(w)
	_, _ = w.Write(out)
}

// UploadPack serves POST /<owner>/<project>/git-upload-pack for clone
// and fetch. Read traffic is not authenticated.
func (e *Endpoint) UploadPack(w http.ResponseWriter, r *http.Request, owner, project string) {
	if _, ok := e.authorize(w, r, owner, project, false); !ok {
		return
	}
	repoPath := RepoPath(e.base, owner, project)
	if !Exists(repoPath) {
		http.Error(w, "repository not found", http.StatusNotFound)
		return
	}
	body, status, err := e.readBody(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	out, err := e.servicePack(r, "upload-pack", repoPath, body)
	if err != nil {
		e.logger.Error("upload-pack failed", "owner", owner, "project", project, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	noCache(w)
	_, _ = w.Write(out)
}

// RemoveRepo deletes a project's bare repository.
func (e *Endpoint) RemoveRepo(ownerName, projectName string) error {
	return Remove(RepoPath(e.base, ownerName, projectName))
}

// InitRepo creates the bare repository for a new project.
func (e *Endpoint) InitRepo(ctx context.Context, ownerName, projectName string) error {
	return InitBare(ctx, RepoPath(e.base, ownerName, projectName))
}

func (e *Endpoint) ensureRepo(ctx context.Context, owner, project string, proj *domain.Project) (string, error) {
	repoPath := RepoPath(e.base, owner, project)
	if Exists(repoPath) {
		return repoPath, nil
	}
	// Project row exists but the repo was never initialized; first
	// push creates it.
	e.logger.Info("initializing bare repository", "project_id", proj.ID, "path", repoPath)
	if err := InitBare(ctx, repoPath); err != nil {
		return "", err
	}
	return repoPath, nil
}

func (e *Endpoint) readBody(r *http.Request) ([]byte, int, error) {
	reader := http.MaxBytesReader(nil, r.Body, e.bodyLimit)
	defer reader.Close()
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, http.StatusBadRequest, fmt.Errorf("gzip body: %w", err)
		}
		defer gz.Close()
		body, err := io.ReadAll(gz)
		if err != nil {
			return nil, bodyErrStatus(err), fmt.Errorf("read body: %w", err)
		}
		return body, 0, nil
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, bodyErrStatus(err), fmt.Errorf("read body: %w", err)
	}
	return body, 0, nil
}

func bodyErrStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (e *Endpoint) servicePack(r *http.Request, rpc, repoPath string, body []byte) ([]byte, error) {
	cmd := exec.CommandContext(r.Context(), "git", rpc, "--stateless-rpc", repoPath)
	cmd.Env = gitEnv(r)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", rpc, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

func buildableRef(updates []refUpdate) string {
	zero := strings.Repeat("0", 40)
	for _, u := range updates {
		if u.Ref == BuildRef && u.NewID != zero {
			return u.Ref
		}
	}
	return ""
}

func gitService(service string) string {
	if strings.HasPrefix(service, "git-") {
		return service[4:]
	}
	return ""
}

func gitEnv(r *http.Request) []string {
	env := os.Environ()
	if proto := r.Header.Get("Git-Protocol"); proto == "version=2" {
		env = append(env, "GIT_PROTOCOL=version=2")
	}
	return env
}

func noCache(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	h.Set("Pragma", "no-cache")
	h.Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
}
