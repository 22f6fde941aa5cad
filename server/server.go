// Package server exposes the demo HTTP surface: an instrumented hello
// endpoint plus health and metrics handlers.
package server

import (
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Config holds the server settings.
type Config struct {
	ServiceName string
	// MaxWorkMillis bounds the simulated processing time of /hello.
	MaxWorkMillis int
}

// Server is the HTTP demo surface.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router *gin.Engine

	helloRequests prometheus.Counter
	helloDuration prometheus.Histogram
}

// New builds the router and registers the server's metrics with reg.
func New(cfg Config, reg *prometheus.Registry, logger *zap.Logger) *Server {
	if cfg.MaxWorkMillis <= 0 {
		cfg.MaxWorkMillis = 100
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		helloRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hello_requests_total",
			Help: "Total number of hello requests",
		}),
		helloDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hello_request_duration_seconds",
			Help:    "Duration of hello requests",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(s.helloRequests, s.helloDuration)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(s.requestLogger())
	router.GET("/hello", s.hello)
	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	s.router = router
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) hello(c *gin.Context) {
	start := time.Now()
	name := c.DefaultQuery("name", "World")

	ctx, span := otel.Tracer(s.cfg.ServiceName).Start(c.Request.Context(), "hello-processing")
	span.SetAttributes(
		attribute.String("endpoint", "/hello"),
		attribute.String("user.name", name),
	)
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	s.logger.Info("hello endpoint called", zap.String("name", name))
	s.helloRequests.Inc()

	// Burn a bounded amount of CPU so recordings have something to show,
	// then idle for half of it.
	work := time.Duration(1+rand.Intn(s.cfg.MaxWorkMillis)) * time.Millisecond
	simulateWork(work)
	time.Sleep(work / 2)

	message := "Hello, " + name + "!"
	s.helloDuration.Observe(time.Since(start).Seconds())
	c.JSON(http.StatusOK, gin.H{
		"message": message,
		"name":    name,
	})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

var sink float64

// simulateWork keeps the CPU busy for roughly d.
func simulateWork(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		var result float64
		for i := 0; i < 1000; i++ {
			result += math.Sin(float64(i)) * math.Cos(float64(i)) * math.Sqrt(float64(i+1))
		}
		sink = result
	}
}
