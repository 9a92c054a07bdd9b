package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/mustafasegf/pemasak-infra/internal/domain"
	gitpkg "github.com/mustafasegf/pemasak-infra/internal/git"
	"github.com/mustafasegf/pemasak-infra/internal/repository"
	"github.com/mustafasegf/pemasak-infra/internal/router"
	"github.com/mustafasegf/pemasak-infra/internal/service/auth"
	"github.com/mustafasegf/pemasak-infra/internal/service/logs"
	"github.com/mustafasegf/pemasak-infra/internal/service/project"
	"github.com/mustafasegf/pemasak-infra/internal/service/runtime"
	"github.com/mustafasegf/pemasak-infra/internal/ws"
	"github.com/mustafasegf/pemasak-infra/pkg/config"
)

const (
	requestTimeout  = 60 * time.Second
	rateWindow      = time.Minute
	rateLimitLogin  = 12
	rateLimitSignup = 5
	rateLimitAPI    = 120
)

type contextKey string

const userContextKey contextKey = "user"

// Router is the unified HTTP surface: control API, git smart-HTTP, and
// host-based reverse routing.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	cfg      config.Settings
	auth     *auth.Service
	project  *project.Service
	runtime  *runtime.Service
	logs     *logs.Service
	git      *gitpkg.Endpoint
	hosts    *router.Router
	limiter  RateLimiter
	upgrader websocket.Upgrader
	metrics  metrics
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, cfg config.Settings, authSvc *auth.Service, projectSvc *project.Service, runtimeSvc *runtime.Service, logSvc *logs.Service, gitEndpoint *gitpkg.Endpoint, hosts *router.Router, limiter RateLimiter) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		cfg:     cfg,
		auth:    authSvc,
		project: projectSvc,
		runtime: runtimeSvc,
		logs:    logSvc,
		git:     gitEndpoint,
		hosts:   hosts,
		limiter: limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.metrics.init()
	r.register()
	return r
}

// ServeHTTP dispatches on host first, then path prefix.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.hosts != nil && r.hosts.Matches(req.Host) {
		r.hosts.ServeHTTP(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("GET /healthz", r.audit(r.handleHealthz))
	r.mux.Handle("GET /metrics", metricsHandler())
	r.mux.Handle("/web/", http.StripPrefix("/web/", http.FileServer(http.Dir("assets"))))

	r.mux.HandleFunc("POST /api/register", r.audit(r.withTimeout(r.withRateLimit(rateLimitSignup, r.handleRegister))))
	r.mux.HandleFunc("POST /api/login", r.audit(r.withTimeout(r.withRateLimit(rateLimitLogin, r.handleLogin))))
	r.mux.HandleFunc("POST /api/logout", r.audit(r.withTimeout(r.handleLogout)))
	r.mux.HandleFunc("GET /api/validate", r.audit(r.withTimeout(r.requireAuth(r.handleValidate))))
	r.mux.HandleFunc("GET /api/dashboard/project/", r.audit(r.withTimeout(r.requireAuth(r.handleDashboardProjects))))
	r.mux.HandleFunc("POST /api/project/new", r.audit(r.withTimeout(r.requireAuth(r.handleProjectNew))))

	r.mux.HandleFunc("POST /api/project/{owner}/{project}/delete", r.audit(r.withTimeout(r.requireProject(r.handleProjectDelete))))
	r.mux.HandleFunc("GET /api/project/{owner}/{project}/builds/", r.audit(r.withTimeout(r.requireProject(r.handleBuildsList))))
	r.mux.HandleFunc("GET /api/project/{owner}/{project}/builds/{build_id}", r.audit(r.withTimeout(r.requireProject(r.handleBuildGet))))
	r.mux.HandleFunc("GET /api/project/{owner}/{project}/env/", r.audit(r.withTimeout(r.requireProject(r.handleEnvList))))
	r.mux.HandleFunc("POST /api/project/{owner}/{project}/env", r.audit(r.withTimeout(r.requireProject(r.handleEnvSet))))
	r.mux.HandleFunc("POST /api/project/{owner}/{project}/env/delete", r.audit(r.withTimeout(r.requireProject(r.handleEnvDelete))))
	r.mux.HandleFunc("GET /api/project/{owner}/{project}/logs", r.audit(r.withTimeout(r.requireProject(r.handleLogs))))
	r.mux.HandleFunc("GET /api/project/{owner}/{project}/logs/ws", r.audit(r.requireProject(r.handleLogsWS)))
	r.mux.HandleFunc("GET /api/project/{owner}/{project}/terminal/ws", r.audit(r.requireProject(r.handleTerminalWS)))

	// Git smart-HTTP; receive-pack carries no server-imposed timeout.
	r.mux.HandleFunc("GET /{owner}/{project}/info/refs", r.audit(r.handleGitInfoRefs))
	r.mux.HandleFunc("POST /{owner}/{project}/git-receive-pack", r.audit(r.handleGitReceivePack))
	r.mux.HandleFunc("POST /{owner}/{project}/git-upload-pack", r.audit(r.handleGitUploadPack))
}

// --- middleware ---

func (r *Router) withTimeout(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
		defer cancel()
		next(w, req.WithContext(ctx))
	}
}

func (r *Router) withRateLimit(limit int, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.limiter.Allow("ip:"+clientIP(req), limit, rateWindow) {
			writeError(w, http.StatusTooManyRequests, errValidation, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		user, ok := r.sessionUser(req)
		if !ok {
			writeError(w, http.StatusUnauthorized, errAuth, "authentication required")
			return
		}
		if !r.limiter.Allow("user:"+user.ID, rateLimitAPI, rateWindow) {
			writeError(w, http.StatusTooManyRequests, errValidation, "rate limit exceeded")
			return
		}
		ctx := context.WithValue(req.Context(), userContextKey, user)
		next(w, req.WithContext(ctx))
	}
}

type projectHandler func(w http.ResponseWriter, req *http.Request, proj *domain.Project)

func (r *Router) requireProject(next projectHandler) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		user, _ := userFromContext(req.Context())
		proj, err := r.project.Get(req.Context(), req.PathValue("owner"), req.PathValue("project"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		member, err := r.project.IsMember(req.Context(), user.ID, proj)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !member {
			writeError(w, http.StatusForbidden, errAuth, "not a member of this owner")
			return
		}
		next(w, req, proj)
	})
}

func (r *Router) sessionUser(req *http.Request) (*domain.User, bool) {
	cookie, err := req.Cookie(r.cfg.Auth.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	user, err := r.auth.Validate(req.Context(), cookie.Value)
	if err != nil {
		return nil, false
	}
	return user, true
}

func userFromContext(ctx context.Context) (*domain.User, bool) {
	user, ok := ctx.Value(userContextKey).(*domain.User)
	return user, ok
}

// --- auth handlers ---

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	user, err := r.auth.Register(req.Context(), payload.Username, payload.Password, payload.Name)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			writeError(w, http.StatusConflict, errConflict, "username already taken")
			return
		}
		if errors.Is(err, auth.ErrRegistrationClosed) {
			writeError(w, http.StatusForbidden, errAuth, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, errValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"name":     user.Name,
	})
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	session, err := r.auth.Login(req.Context(), req.RemoteAddr, payload.Username, payload.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, errAuth, "invalid username or password")
			return
		}
		writeServiceError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     r.cfg.Auth.CookieName,
		Value:    session.ID,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: r.cfg.Auth.HTTPOnly,
		Secure:   r.cfg.Auth.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	// The dashboard treats the redirect as login success.
	w.Header().Set("Location", "/web/")
	w.WriteHeader(http.StatusFound)
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if cookie, err := req.Cookie(r.cfg.Auth.CookieName); err == nil {
		_ = r.auth.Logout(req.Context(), cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:    r.cfg.Auth.CookieName,
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleValidate(w http.ResponseWriter, req *http.Request) {
	user, _ := userFromContext(req.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"name":     user.Name,
	})
}

// --- project handlers ---

func (r *Router) handleDashboardProjects(w http.ResponseWriter, req *http.Request) {
	user, _ := userFromContext(req.Context())
	projects, err := r.project.ListByUser(req.Context(), user.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		data = append(data, map[string]any{
			"id":         p.ID,
			"owner_name": p.OwnerName,
			"name":       p.Name,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (r *Router) handleProjectNew(w http.ResponseWriter, req *http.Request) {
	user, _ := userFromContext(req.Context())
	var payload struct {
		Owner   string `json:"owner"`
		Project string `json:"project"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	result, err := r.project.Create(req.Context(), user.ID, payload.Owner, payload.Project)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleProjectDelete(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	if err := r.project.Delete(req.Context(), proj.OwnerName, proj.Name); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleBuildsList(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	builds, err := r.project.Builds(req.Context(), proj.ID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	data := make([]map[string]any, 0, len(builds))
	for _, b := range builds {
		data = append(data, map[string]any{
			"id":         b.ID,
			"status":     b.Status,
			"created_at": b.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (r *Router) handleBuildGet(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	build, err := r.project.Build(req.Context(), proj.ID, req.PathValue("build_id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     build.ID,
		"status": build.Status,
		"logs":   build.Log,
	})
}

// --- env handlers ---

func (r *Router) handleEnvList(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	env, err := r.project.Env(req.Context(), proj)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"env": env})
}

func (r *Router) handleEnvSet(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	var payload struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	if err := r.project.SetEnv(req.Context(), proj, payload.Key, payload.Value); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

func (r *Router) handleEnvDelete(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errValidation, "invalid JSON body")
		return
	}
	if err := r.project.DeleteEnv(req.Context(), proj, payload.Key); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- logs & terminal ---

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	n, _ := strconv.Atoi(req.URL.Query().Get("lines"))
	out, err := r.runtime.Logs(req.Context(), proj.ID, n)
	if err != nil {
		if errors.Is(err, runtime.ErrNoContainer) {
			writeError(w, http.StatusNotFound, errNotFound, "no running container")
			return
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": out})
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request, proj *domain.Project) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.logs.Hub().Register(proj.ID, client)
	go func() {
		defer func() {
			r.logs.Hub().Unregister(proj.ID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// --- git dispatch ---

func (r *Router) handleGitInfoRefs(w http.ResponseWriter, req *http.Request) {
	r.metrics.recordPush("info-refs")
	r.git.InfoRefs(w, req, req.PathValue("owner"), req.PathValue("project"))
}

func (r *Router) handleGitReceivePack(w http.ResponseWriter, req *http.Request) {
	r.metrics.recordPush("receive-pack")
	r.git.ReceivePack(w, req, req.PathValue("owner"), req.PathValue("project"))
}

func (r *Router) handleGitUploadPack(w http.ResponseWriter, req *http.Request) {
	r.metrics.recordPush("upload-pack")
	r.git.UploadPack(w, req, req.PathValue("owner"), req.PathValue("project"))
}

// --- misc ---

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		r.metrics.recordRequest(req.Method, req.URL.Path, status, duration)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
