package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/feedline/feedsync/internal/feed"
	"github.com/feedline/feedsync/pkg/logging"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// RouterOption configures a Router
type RouterOption func(*Router)

// WithHealthCheck adds a named dependency to /health
func WithHealthCheck(name string, check HealthCheck) RouterOption {
	return func(r *Router) {
		r.checks[name] = check
	}
}

// WithRealtimeHandler serves change notifications on /realtime
func WithRealtimeHandler(h http.Handler) RouterOption {
	return func(r *Router) {
		r.realtime = h
	}
}

// Router sets up API routes
type Router struct {
	handler  *JSONRPCHandler
	engine   *feed.Engine
	checks   map[string]HealthCheck
	realtime http.Handler
	logger   *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(engine *feed.Engine, opts ...RouterOption) *Router {
	router := &Router{
		handler: NewJSONRPCHandler(),
		engine:  engine,
		checks:  make(map[string]HealthCheck),
		logger:  logging.WithComponent("api-router"),
	}
	for _, opt := range opts {
		opt(router)
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if r.realtime != nil {
		engine.GET("/realtime", gin.WrapH(r.realtime))
	}

	// JSON-RPC endpoint
	engine.POST("/", r.handler.Handle)
}

func (r *Router) registerMethods() {
	feedAPI := NewFeedAPI(r.engine)

	r.handler.RegisterMethod("feed.list_posts", feedAPI.ListPosts)
	r.handler.RegisterMethod("feed.get_comments", feedAPI.GetComments)
	r.handler.RegisterMethod("feed.open_comments", feedAPI.OpenComments)
	r.handler.RegisterMethod("feed.close_comments", feedAPI.CloseComments)
	r.handler.RegisterMethod("feed.mount_post", feedAPI.MountPost)
	r.handler.RegisterMethod("feed.unmount_post", feedAPI.UnmountPost)
	r.handler.RegisterMethod("feed.create_post", feedAPI.CreatePost)
	r.handler.RegisterMethod("feed.edit_post", feedAPI.EditPost)
	r.handler.RegisterMethod("feed.delete_post", feedAPI.DeletePost)
	r.handler.RegisterMethod("feed.toggle_like", feedAPI.ToggleLike)
	r.handler.RegisterMethod("feed.create_comment", feedAPI.CreateComment)
	r.handler.RegisterMethod("feed.refresh", feedAPI.Refresh)

	r.handler.RegisterMethod("session.get", feedAPI.Session)
	r.handler.RegisterMethod("session.sign_in", feedAPI.SignIn)
	r.handler.RegisterMethod("session.sign_out", feedAPI.SignOut)
	r.handler.RegisterMethod("session.update_profile", feedAPI.UpdateProfile)
}

// healthHandler reports the engine and every configured dependency
func (r *Router) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			r.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "OK"
	}

	select {
	case <-r.engine.Done():
		deps["engine"] = "stopped"
		status = http.StatusServiceUnavailable
	default:
		deps["engine"] = "OK"
	}

	overall := "OK"
	if status != http.StatusOK {
		overall = "DEGRADED"
	}
	c.JSON(status, gin.H{
		"status":       overall,
		"service":      "feedsync-api",
		"session":      r.engine.Session().State().String(),
		"dependencies": deps,
	})
}
