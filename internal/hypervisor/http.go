package hypervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/hvisor/internal/observability"
)

// buildRouter wires the read-only HTTP status surface and metrics exposition.
func (s *Service) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(log.Logger))
	router.Use(observability.RequestMetricsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": s.cfg.HypervisorID,
		})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Status())
	})
	router.GET("/modules", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Snapshot())
	})

	observability.RegisterMetrics()
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// serveHTTP runs the status surface until ctx is done.
func (s *Service) serveHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("hypervisor.http listening addr=%q", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
