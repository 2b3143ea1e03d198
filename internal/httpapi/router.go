// Package httpapi exposes the trigger endpoints (start, approve, raise,
// query) over HTTP using gin.
package httpapi

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/petrijr/reelflow/pkg/api"
)

// Options configures optional router features.
type Options struct {
	Logger *zap.Logger
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter builds the gin engine serving the trigger API.
func NewRouter(eng api.Engine, approvals api.ApprovalStore, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))

	h := &Handler{engine: eng, approvals: approvals, logger: logger}

	router.GET("/health", h.Health)

	triggers := router.Group("/api")
	{
		triggers.GET("/ProcessVideoStarter", h.StartProcessVideo)
		triggers.POST("/ProcessVideoStarter", h.StartProcessVideo)
		triggers.GET("/SubmitVideoApproval/:code", h.SubmitApproval)
		triggers.GET("/StartPeriodicTask", h.StartPeriodicTask)
	}

	instances := router.Group("/api/instances")
	{
		instances.GET("", h.ListInstances)
		instances.GET("/:id", h.GetInstance)
		instances.GET("/:id/history", h.History)
		instances.POST("/:id/events/:name", h.RaiseEvent)
		instances.POST("/:id/terminate", h.Terminate)
	}

	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return router
}
