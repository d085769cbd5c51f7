package registry

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// startMetrics brings up the plain-HTTP health/metrics listener. Metrics use
// a private Prometheus registry so multiple server instances in one process
// never collide on collector registration.
func (s *Server) startMetrics() error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "registry_nodes_total",
			Help: "Total nodes in registry",
		},
		func() float64 {
			total, _ := s.state.Counts()
			return float64(total)
		},
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "registry_nodes_online",
			Help: "Online nodes in registry",
		},
		func() float64 {
			_, online := s.state.Counts()
			return float64(online)
		},
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "registry_uptime_seconds",
			Help: "Registry uptime",
		},
		func() float64 {
			return time.Since(s.startTime).Seconds()
		},
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "registry_last_saved_ts",
			Help: "Last state save unix ts",
		},
		s.state.LastSavedTs,
	))
	reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "registry_rate_limited_total",
			Help: "Rate limited requests",
		},
		func() float64 {
			return float64(s.rateLimited.Load())
		},
	))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(cors.Default())
	router.GET("/health", func(c *gin.Context) {
		total, _ := s.state.Counts()
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
			"nodesTotal":    total,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	s.metricsLn = ln
	s.metricsSrv = &http.Server{Handler: router}
	// One request per connection; scrapers and probes reconnect each time.
	s.metricsSrv.SetKeepAlivesEnabled(false)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics listener stopped", zap.Error(err))
		}
	}()
	s.log.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// MetricsAddr returns the bound health/metrics address, empty when disabled.
func (s *Server) MetricsAddr() string {
	if s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.Addr().String()
}
