package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"

	"log/slog"

	"github.com/mustafasegf/pemasak-infra/internal/repository"
)

const emptyPage = `<!DOCTYPE html>
<html>
<head><title>project is empty</title></head>
<body>
<h1>Nothing here yet</h1>
<p>This project has no running deployment. Push to master to deploy.</p>
</body>
</html>
`

// Router maps an incoming host name to a running container and proxies
// the request to it.
type Router struct {
	domains    repository.DomainRepository
	baseDomain string
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]*url.URL
}

// New constructs a Router. baseDomain is the suffix stripped from
// incoming hosts, e.g. "pws.dev".
func New(domains repository.DomainRepository, baseDomain string, logger *slog.Logger) *Router {
	return &Router{
		domains:    domains,
		baseDomain: stripPort(baseDomain),
		logger:     logger,
		cache:      make(map[string]*url.URL),
	}
}

// Matches reports whether the request host is a project subdomain.
func (r *Router) Matches(host string) bool {
	host = stripPort(host)
	return host != r.baseDomain && strings.HasSuffix(host, "."+r.baseDomain)
}

// ServeHTTP proxies the request to the resolved container, or serves a
// synthetic 502 page when the project has no live deployment.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	label := r.label(req.Host)
	if label == "" {
		http.Error(w, "bad host", http.StatusBadRequest)
		return
	}
	target, err := r.resolve(req.Context(), label)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.serveEmpty(w)
			return
		}
		r.logger.Error("route lookup failed", "host", req.Host, "error", err)
		http.Error(w, "routing failure", http.StatusBadGateway)
		return
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		r.logger.Warn("container request failed", "host", req.Host, "target", target.String(), "error", err)
		// The recorded address may be stale; drop it so the next
		// request re-resolves.
		r.Invalidate(label)
		r.serveEmpty(w)
	}
	proxy.ServeHTTP(w, req)
}

func (r *Router) label(host string) string {
	host = stripPort(host)
	label := strings.TrimSuffix(host, "."+r.baseDomain)
	if label == host || label == "" {
		return ""
	}
	return label
}

func (r *Router) resolve(ctx context.Context, label string) (*url.URL, error) {
	r.mu.RLock()
	target, ok := r.cache[label]
	r.mu.RUnlock()
	if ok {
		return target, nil
	}

	d, err := r.domains.GetDomainByName(ctx, label)
	if err != nil {
		return nil, err
	}
	target = &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(d.ContainerIP, fmt.Sprintf("%d", d.ContainerPort)),
	}
	r.mu.Lock()
	r.cache[label] = target
	r.mu.Unlock()
	return target, nil
}

// Invalidate drops a cached route; called by the runtime on swap and
// destroy.
func (r *Router) Invalidate(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}

func (r *Router) serveEmpty(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	_, _ = w.Write([]byte(emptyPage))
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}
