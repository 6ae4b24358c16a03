package controlplane

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/tinifyd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func SetupRoutes(config *Config, deps *Deps) (http.Handler, error) {
	formatted := config.RateLimit
	if formatted == "" {
		formatted = DefaultRateLimit
	}
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, fmt.Errorf("invalid http rate limit %q: %w", formatted, err)
	}

	h := newHandler(deps)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(logger())
	r.Use(secureHeaders())
	r.Use(corsHeaders())
	r.Use(compress())
	r.Use(mgin.NewMiddleware(limiter.New(memory.NewStore(), rate)))

	r.GET("/", h.Index)
	r.GET("/healthz", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.Use(tokenAuth(config.Token))
	{
		v1.GET("/status", h.Status)
		v1.GET("/leases", h.Leases)
		v1.GET("/events", h.Events)
		v1.POST("/optimize", h.Optimize)
		v1.POST("/sweep", h.Sweep)
		v1.POST("/gc", h.GC)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method not allowed"})
	})

	return r.Handler(), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
