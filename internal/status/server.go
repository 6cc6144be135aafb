package status

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"updown-trader/internal/core"
	"updown-trader/internal/store"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Source is the live runtime view, normally the position manager.
type Source interface {
	Status() store.RuntimeStatus
}

type TradeLister interface {
	ListRecent(ctx context.Context, limit int) ([]core.Trade, error)
}

// Server is a read-only HTTP view of the running engine.
type Server struct {
	Router *gin.Engine
	src    Source
	trades TradeLister
}

func NewServer(src Source, trades TradeLister) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger())

	s := &Server{Router: r, src: src, trades: trades}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.health)
	s.Router.GET("/status", s.status)
	s.Router.GET("/positions", s.positions)
	s.Router.GET("/trades", s.listTrades)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("level=INFO event=status_api_listening addr=%q", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	st := s.src.Status()
	code := http.StatusOK
	if st.State == "stopped" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"state":           st.State,
		"trading_enabled": st.TradingEnabled,
		"stream_state":    st.StreamState,
	})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Status())
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Status().Positions)
}

func (s *Server) listTrades(c *gin.Context) {
	if s.trades == nil {
		respondError(c, http.StatusNotFound, "ledger_unavailable", "trade ledger not attached")
		return
	}
	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTradeLimit)
	}
	trades, err := s.trades.ListRecent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "ledger_error", err.Error())
		return
	}
	out := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, NewTradeView(t))
	}
	c.JSON(http.StatusOK, out)
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf("level=WARN event=status_api_error method=%s path=%q code=%d took_ms=%d request_id=%q",
				c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Milliseconds(), c.GetString("request_id"))
		}
	}
}
