// Package admin is the operations HTTP surface: health, metrics and
// lock-free reads of the published book and balance views.
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
	"matchcore/infra/metrics"
	"matchcore/service"
)

// Engine is the read side of service.Engine. None of these calls go
// through the command queue.
type Engine interface {
	Depth(pair orderbook.Pair, n int) (orderbook.Depth, bool)
	Balance(account uint64, asset string) ledger.Balance
	State() service.EngineState
	HaltedPairs() int
}

type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeNotFound   = "NOT_FOUND"
)

type Health struct {
	Status      string `json:"status"`
	Engine      string `json:"engine"`
	HaltedPairs int    `json:"halted_pairs"`
}

// NewRouter wires the routes. m may be nil, in which case /metrics is not
// served.
func NewRouter(eng Engine, m *metrics.Metrics, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log.With().Str("component", "admin").Logger()))

	r.GET("/healthz", func(c *gin.Context) {
		h := Health{Status: "ok", Engine: eng.State().String(), HaltedPairs: eng.HaltedPairs()}
		code := http.StatusOK
		switch {
		case eng.State() == service.Stopped:
			h.Status = "down"
			code = http.StatusServiceUnavailable
		case h.HaltedPairs > 0:
			h.Status = "degraded"
		}
		c.JSON(code, Response{Success: code == http.StatusOK, Data: h})
	})

	if m != nil {
		r.GET("/metrics", gin.WrapH(m.Handler()))
	}

	v1 := r.Group("/v1")
	v1.GET("/depth/:base/:quote", func(c *gin.Context) {
		pair := orderbook.Pair{Base: c.Param("base"), Quote: c.Param("quote")}
		if !pair.Valid() {
			badRequest(c, "invalid pair")
			return
		}
		levels := 0
		if s := c.Query("levels"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				badRequest(c, "levels must be a non-negative integer")
				return
			}
			levels = n
		}
		d, ok := eng.Depth(pair, levels)
		if !ok {
			d = orderbook.Depth{Pair: pair, Bids: []orderbook.Level{}, Asks: []orderbook.Level{}}
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: d})
	})

	v1.GET("/balances/:account/:asset", func(c *gin.Context) {
		account, err := strconv.ParseUint(c.Param("account"), 10, 64)
		if err != nil {
			badRequest(c, "account must be an unsigned integer")
			return
		}
		c.JSON(http.StatusOK, Response{Success: true, Data: eng.Balance(account, c.Param("asset"))})
	})

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, Response{Error: &Error{Code: ErrCodeNotFound, Message: "route not found"}})
	})
	return r
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Error: &Error{Code: ErrCodeBadRequest, Message: msg}})
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("http")
	}
}
