// Package api provides the read-only HTTP API for deployment history,
// backups and operational status.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mcheli/homeport/internal/diagnostics"
	"github.com/mcheli/homeport/internal/models"
	"github.com/mcheli/homeport/internal/store"
)

// HistoryStore reads deployment history.
type HistoryStore interface {
	ListRecords(ctx context.Context, service string, limit int) ([]*models.DeploymentRecord, error)
	GetRecord(ctx context.Context, id uuid.UUID) (*models.DeploymentRecord, error)
}

// BackupLister reads stored backups.
type BackupLister interface {
	List(service string) ([]*models.Backup, error)
}

// Config holds the router configuration.
type Config struct {
	Version   string
	Commit    string
	BuildDate string
	// DataDir is the directory whose filesystem the status endpoint reports on.
	DataDir string
}

// Router wraps a Gin engine with the homeport routes.
type Router struct {
	Engine  *gin.Engine
	cfg     Config
	history HistoryStore
	backups BackupLister
	metrics http.Handler
	logger  zerolog.Logger
}

// NewRouter creates the router. metricsHandler may be nil to disable the
// scrape endpoint.
func NewRouter(cfg Config, history HistoryStore, backups BackupLister, metricsHandler http.Handler, logger zerolog.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	r := &Router{
		Engine:  gin.New(),
		cfg:     cfg,
		history: history,
		backups: backups,
		metrics: metricsHandler,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(r.requestLogger())

	r.Engine.GET("/healthz", r.healthz)
	if r.metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.metrics))
	}

	v1 := r.Engine.Group("/api/v1")
	{
		v1.GET("/deployments", r.listDeployments)
		v1.GET("/deployments/:id", r.getDeployment)
		v1.GET("/services/:name/backups", r.listBackups)
		v1.GET("/status", r.status)
	}
	return r
}

// Serve runs the HTTP server until the context is cancelled.
func (r *Router) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (r *Router) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

func (r *Router) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) listDeployments(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	records, err := r.history.ListRecords(c.Request.Context(), c.Query("service"), limit)
	if err != nil {
		r.logger.Error().Err(err).Msg("list deployments failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deployments"})
		return
	}
	if records == nil {
		records = []*models.DeploymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"deployments": records})
}

func (r *Router) getDeployment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid deployment id"})
		return
	}

	record, err := r.history.GetRecord(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "deployment not found"})
			return
		}
		r.logger.Error().Err(err).Str("id", id.String()).Msg("get deployment failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get deployment"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (r *Router) listBackups(c *gin.Context) {
	backups, err := r.backups.List(c.Param("name"))
	if err != nil {
		r.logger.Error().Err(err).Msg("list backups failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list backups"})
		return
	}
	if backups == nil {
		backups = []*models.Backup{}
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

func (r *Router) status(c *gin.Context) {
	report, err := diagnostics.Collect(c.Request.Context(), r.cfg.DataDir)
	if err != nil {
		r.logger.Error().Err(err).Msg("collect diagnostics failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version":    r.cfg.Version,
		"commit":     r.cfg.Commit,
		"build_date": r.cfg.BuildDate,
		"system":     report,
	})
}
