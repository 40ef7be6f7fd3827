package opshttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"converge/internal/ledger"
	"converge/internal/logger"

	"github.com/gin-gonic/gin"
)

// RiskStatus is the point-in-time view served by /risk/regime.
type RiskStatus struct {
	Regime    string  `json:"regime"`
	Scaling   float64 `json:"scaling"`
	Emergency bool    `json:"emergency"`
	Guard     string  `json:"guard"`
	LastRunID string  `json:"last_run_id"`
}

// Deps are the hooks the server calls into. Closures keep the server from
// reaching into components owned by the cycle goroutine.
type Deps struct {
	Trigger    func()
	RiskStatus func() RiskStatus
	Store      *ledger.Store
}

// Server is the ops surface: trigger a cycle on demand, inspect runs and the
// current risk posture. It is read-mostly and deliberately minimal.
type Server struct {
	listen string
	deps   Deps
	srv    *http.Server
}

func New(listen string, deps Deps) *Server {
	return &Server{listen: listen, deps: deps}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	r.POST("/cycles/trigger", func(c *gin.Context) {
		if s.deps.Trigger == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler not wired"})
			return
		}
		s.deps.Trigger()
		c.JSON(http.StatusAccepted, gin.H{"triggered": true})
	})

	r.GET("/risk/regime", func(c *gin.Context) {
		if s.deps.RiskStatus == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "risk status not wired"})
			return
		}
		c.JSON(http.StatusOK, s.deps.RiskStatus())
	})

	r.GET("/runs", func(c *gin.Context) {
		runs, err := s.deps.Store.Runs(50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runsView(runs))
	})

	r.GET("/runs/:id", func(c *gin.Context) {
		run, err := s.deps.Store.Run(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, runView(run))
	})

	return r
}

func runView(run ledger.RunModel) gin.H {
	return gin.H{
		"run_id":           run.ID,
		"date":             run.Date,
		"input_hash":       run.InputHash,
		"status":           run.Status,
		"broker_order_ids": ledger.BrokerIDs(run.BrokerOrderIDs),
		"created_at":       run.CreatedAt,
		"updated_at":       run.UpdatedAt,
	}
}

func runsView(runs []ledger.RunModel) []gin.H {
	out := make([]gin.H, 0, len(runs))
	for _, run := range runs {
		out = append(out, runView(run))
	}
	return out
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.srv = &http.Server{Addr: s.listen, Handler: s.router()}
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Infof("opshttp: listening on %s", s.listen)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
