// Package api serves the read-only status surface: health, engine
// status, open positions and Prometheus metrics. It never mutates
// trading state.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zxcy652022/superdog-backtest-system1-sub002/config"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/database"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/logging"
	"github.com/zxcy652022/superdog-backtest-system1-sub002/internal/strategy"
)

// Status is the engine snapshot returned by /api/status.
type Status struct {
	Mode              string    `json:"mode"`
	Running           bool      `json:"running"`
	Symbols           []string  `json:"symbols"`
	Timeframe         string    `json:"timeframe"`
	Equity            float64   `json:"equity"`
	AvailableEquity   float64   `json:"available_equity"`
	OpenPositions     int       `json:"open_positions"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastTickAt        time.Time `json:"last_tick_at"`
	StartedAt         time.Time `json:"started_at"`
}

// StatusProvider supplies the live snapshot; the controller implements it.
type StatusProvider interface {
	Status() Status
}

// TradeLister supplies open journal rows for /api/trades. Nil when the
// trade journal is disabled.
type TradeLister interface {
	GetOpenTrades(ctx context.Context) ([]database.Trade, error)
}

// Server is the HTTP status server.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer wires routes over the state store, status provider and
// trade journal.
func NewServer(cfg config.ServerConfig, store *strategy.Store, provider StatusProvider, trades TradeLister) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	router.GET("/api/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, provider.Status())
	})

	router.GET("/api/positions", func(c *gin.Context) {
		open := make([]strategy.SymbolState, 0)
		for _, st := range store.SnapshotAll() {
			if st.HasPosition() {
				open = append(open, st)
			}
		}
		c.JSON(http.StatusOK, gin.H{"positions": open, "count": len(open)})
	})

	router.GET("/api/trades", func(c *gin.Context) {
		if trades == nil {
			c.JSON(http.StatusOK, gin.H{"trades": []database.Trade{}, "count": 0, "journal": false})
			return
		}
		rows, err := trades.GetOpenTrades(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": rows, "count": len(rows), "journal": true})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: logging.WithComponent("api"),
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("status server failed")
		}
	}()
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
