// Package gateway implements the C12 request gateway: the single public
// HTTP surface that binds path prefixes to the supervisor-managed worker
// processes, attaches a request id, collects Prometheus-style metrics, rate
// limits per (user_id, service), and normalizes backend failures into a
// structured error body.
//
// Routing is chi + go-chi/cors + middleware.RequestID, with a reverse proxy
// keyed per path-segment-to-service prefix.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/hyperasset/sentinel/internal/config"
	"github.com/hyperasset/sentinel/internal/userconfig"
)

const forwardTimeout = 30 * time.Second

// Gateway is the C12 HTTP surface.
type Gateway struct {
	router   *chi.Mux
	log      zerolog.Logger
	metrics  *metrics
	limiters *limiterRegistry
}

// New builds the gateway's router, wiring one reverse-proxy route per
// worker kind plus the in-process /api/user/* handlers.
func New(cfg config.GatewayConfig, userConfig *userconfig.Manager, log zerolog.Logger) (*Gateway, error) {
	g := &Gateway{
		router:   chi.NewRouter(),
		log:      log.With().Str("component", "gateway").Logger(),
		metrics:  newMetrics(),
		limiters: newLimiterRegistry(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	routes := []struct {
		prefix, service, target string
	}{
		{"/api/news", "news", cfg.NewsServiceURL},
		{"/api/disclosure", "disclosure", cfg.DisclosureServiceURL},
		{"/api/chart", "chart", cfg.ChartServiceURL},
		{"/api/report", "report", cfg.ReportServiceURL},
		{"/api/flow", "flow", cfg.FlowServiceURL},
	}

	proxies := make(map[string]*serviceProxy, len(routes))
	for _, rt := range routes {
		target, err := url.Parse(rt.target)
		if err != nil {
			return nil, fmt.Errorf("gateway: parse %s service url %q: %w", rt.service, rt.target, err)
		}
		proxies[rt.prefix] = newServiceProxy(rt.service, rt.prefix, target)
	}

	g.setupMiddleware(cfg.CORSAllowedOrigins)
	g.setupRoutes(proxies, userConfig)

	return g, nil
}

func (g *Gateway) Router() http.Handler { return g.router }

func (g *Gateway) setupMiddleware(allowedOrigins []string) {
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggingMiddleware)
	g.router.Use(g.metricsMiddleware)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (g *Gateway) setupRoutes(proxies map[string]*serviceProxy, userConfig *userconfig.Manager) {
	g.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})
	g.router.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(g.metrics.render()))
	})

	uh := &userHandlers{userConfig: userConfig}

	uh.profileRoutes(g.router)

	g.router.Route("/api", func(r chi.Router) {
		uh.routes(r)

		for prefix, proxy := range proxies {
			p := proxy
			r.Mount(strings.TrimPrefix(prefix, "/api"), g.rateLimit(p.service, p.handler()))
		}
	})

	g.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "unknown_service", "no service is bound to this path", "")
	})
}

// rateLimit applies the leaky-bucket policy for (user_id, service) before
// forwarding to next.
func (g *Gateway) rateLimit(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := requestUserID(r)
		if userID != "" && !g.limiters.allow(userID, service) {
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded for this user and service", service)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("gateway request")
	})
}

func (g *Gateway) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.metrics.incActive()
		defer g.metrics.decActive()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.metrics.observe(r.Method, r.URL.Path, serviceOf(r), ww.Status(), time.Since(start).Seconds())
	})
}

// requestUserID resolves the acting user per spec: an X-User-ID header, or
// (for admin routes shaped /api/user/.../{user_id}) a path variable.
func requestUserID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return chi.URLParam(r, "user_id")
}

var knownServices = map[string]bool{
	"news": true, "disclosure": true, "chart": true, "report": true, "flow": true, "user": true,
}

// serviceOf derives the metrics label from the path's second segment
// (/api/<service>/...), since the proxied handler runs on a request clone
// further down the chain and its context value wouldn't be visible back up
// here at the outer metrics middleware.
func serviceOf(r *http.Request) string {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 3)
	if len(parts) >= 2 && parts[0] == "api" && knownServices[parts[1]] {
		return parts[1]
	}
	return "other"
}

// serviceProxy reverse-proxies one path prefix to one worker's base URL,
// trimming the prefix and forwarding with a 30s timeout.
type serviceProxy struct {
	service string
	prefix  string
	proxy   *httputil.ReverseProxy
}

func newServiceProxy(service, prefix string, target *url.URL) *serviceProxy {
	rp := httputil.NewSingleHostReverseProxy(target)
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		if trimmed := strings.TrimPrefix(req.URL.Path, prefix); trimmed != req.URL.Path {
			req.URL.Path = trimmed
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
			req.URL.RawPath = req.URL.Path
		}
		originalDirector(req)
		req.Host = target.Host
		if userID := requestUserID(req); userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("backend returned %d", resp.StatusCode)
		}
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		writeError(w, r, http.StatusBadGateway, "backend_error", err.Error(), service)
	}
	return &serviceProxy{service: service, prefix: prefix, proxy: rp}
}

func (p *serviceProxy) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
		defer cancel()
		p.proxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Service   string `json:"service,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
		Service:   service,
	}})
}
