// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package api serves a read-only JSON view of the gateway over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ffutop/sunspec-gateway/internal/sunspec"
	"github.com/ffutop/sunspec-gateway/internal/telemetry"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Provider supplies the live state.
type Provider interface {
	Snapshot() telemetry.Snapshot
	Registers() []uint16
}

// HistoryReader supplies stored samples.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]telemetry.AggregateSample, error)
	RecentSource(ctx context.Context, port uint8, limit int) ([]telemetry.SourceSample, error)
}

// ServerConfig holds the API dependencies. History may be nil.
type ServerConfig struct {
	Address  string
	Provider Provider
	History  HistoryReader
}

// Server is the HTTP status API.
type Server struct {
	router   *gin.Engine
	server   *http.Server
	provider Provider
	history  HistoryReader
	address  string
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:   router,
		provider: cfg.Provider,
		history:  cfg.History,
		address:  cfg.Address,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthHandler)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/sources", s.sourcesHandler)
		api.GET("/sources/:port", s.sourceHandler)
		api.GET("/registers", s.registersHandler)
		api.GET("/history", s.historyHandler)
		api.GET("/history/:port", s.sourceHistoryHandler)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.address)
		errc <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(c *gin.Context) {
	snap := s.provider.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"sources":     len(snap.Sources),
		"valid":       snap.Aggregate.Sources,
		"peer_active": snap.Server.PeerActive,
		"timestamp":   snap.Time,
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Snapshot())
}

func (s *Server) sourcesHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.provider.Snapshot().Sources)
}

func (s *Server) sourceHandler(c *gin.Context) {
	port, err := parsePort(c.Param("port"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, src := range s.provider.Snapshot().Sources {
		if src.Port == port {
			c.JSON(http.StatusOK, src)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no source on port %d", port)})
}

type modelView struct {
	ID      uint16 `json:"id"`
	Name    string `json:"name"`
	Address uint16 `json:"address"`
	Length  uint16 `json:"length"`
}

func (s *Server) registersHandler(c *gin.Context) {
	regs := s.provider.Registers()
	headers, err := sunspec.WalkModels(regs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	models := make([]modelView, 0, len(headers))
	for _, h := range headers {
		models = append(models, modelView{
			ID:      h.ID,
			Name:    sunspec.ModelName(h.ID),
			Address: sunspec.Address(h.Offset),
			Length:  h.Length,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"base":      sunspec.BaseAddress,
		"length":    len(regs),
		"models":    models,
		"registers": regs,
	})
}

func (s *Server) historyHandler(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	rows, err := s.history.Recent(c.Request.Context(), queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) sourceHistoryHandler(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	port, err := parsePort(c.Param("port"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.history.RecentSource(c.Request.Context(), port, queryLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rows)
}

func parsePort(raw string) (uint8, error) {
	port, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return uint8(port), nil
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	if err != nil || limit <= 0 || limit > maxLimit {
		return defaultLimit
	}
	return limit
}
