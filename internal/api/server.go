package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-trading-agent/config"
	"futures-trading-agent/internal/metrics"
	"futures-trading-agent/internal/state"
	"futures-trading-agent/internal/store"
)

// Server exposes the read-only ops endpoints: health, the full state
// snapshot and the execution-quality summary. It never mutates anything.
type Server struct {
	cfg     config.ServerConfig
	bus     *state.Bus
	quality *metrics.ExecQuality
	ledger  *metrics.OrderLedger
	repo    store.Repository
	logger  zerolog.Logger
	srv     *http.Server
	started time.Time
}

// NewServer creates the ops server. quality, ledger and repo may be nil.
func NewServer(cfg config.ServerConfig, bus *state.Bus, quality *metrics.ExecQuality, ledger *metrics.OrderLedger, repo store.Repository, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		bus:     bus,
		quality: quality,
		ledger:  ledger,
		repo:    repo,
		logger:  logger.With().Str("component", "APIServer").Logger(),
		started: time.Now(),
	}
}

// Start runs the HTTP server until the context is canceled
func (s *Server) Start(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	if s.cfg.AllowedOrigins == "" || s.cfg.AllowedOrigins == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = strings.Split(s.cfg.AllowedOrigins, ",")
	}
	corsCfg.AllowMethods = []string{"GET"}
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", s.handleHealth)
	router.GET("/state", s.handleState)
	router.GET("/execq", s.handleExecQuality)
	router.GET("/fills", s.handleFills)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("ops server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) handleState(c *gin.Context) {
	snap := s.bus.Snapshot()

	features := make(map[string]state.FeatureSet, len(snap.Features))
	for k, v := range snap.Features {
		features[k.String()] = v
	}
	regimes := make(map[string]state.RegimeState, len(snap.Regimes))
	for k, v := range snap.Regimes {
		regimes[k.String()] = v
	}
	forecasts := make(map[string]state.Forecast, len(snap.Forecasts))
	for k, v := range snap.Forecasts {
		forecasts[k.String()] = v
	}
	targets := make(map[string]state.Target, len(snap.Targets))
	for k, v := range snap.Targets {
		targets[k.String()] = v
	}

	c.JSON(http.StatusOK, gin.H{
		"takenAt":      snap.TakenAt,
		"marks":        snap.Marks,
		"positions":    snap.Positions,
		"account":      snap.Account,
		"features":     features,
		"regimes":      regimes,
		"forecasts":    forecasts,
		"targets":      targets,
		"risk":         snap.Risk,
		"openOrders":   snap.OpenOrders,
		"guardActions": snap.GuardActions,
	})
}

// handleFills returns recent persisted fills, optionally filtered by symbol
func (s *Server) handleFills(c *gin.Context) {
	if s.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "fill store not configured"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n > 1000 {
			n = 1000
		}
		limit = n
	}

	fills, err := s.repo.RecentFills(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("recent fills query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fill query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fills": fills})
}

func (s *Server) handleExecQuality(c *gin.Context) {
	resp := gin.H{}
	if s.quality != nil {
		resp["slippage"] = s.quality.Summary()
	}
	if s.ledger != nil {
		resp["orders"] = s.ledger.Summary()
	}
	c.JSON(http.StatusOK, resp)
}
