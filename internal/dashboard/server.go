// Package dashboard serves the operator HTTP API and the live status stream.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/deviazarina/trepod/internal/config"
	"github.com/deviazarina/trepod/internal/engine"
	"github.com/deviazarina/trepod/internal/journal"
)

var validate = validator.New()

// Engine is the part of the coordinator the dashboard drives.
type Engine interface {
	Status() engine.StatusSnapshot
	Start() error
	Stop()
	EmergencyCloseAll(ctx context.Context) ([]journal.TradeRecord, error)
	UpdateConfig(p config.Patch) (*config.Config, error)
	Resume(symbol string) error
	Subscribe() (<-chan engine.StatusSnapshot, func())
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server wraps the echo instance.
type Server struct {
	echo *echo.Echo
	eng  Engine
	log  zerolog.Logger
}

// New registers every route.
func New(eng Engine, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, eng: eng, log: log.With().Str("component", "dashboard").Logger()}
	e.Use(middleware.Recover())
	e.Use(s.requestLogging())

	g := e.Group("/api")
	g.GET("/status", s.status)
	g.POST("/start", s.start)
	g.POST("/stop", s.stop)
	g.POST("/emergency-close", s.emergencyClose)
	g.PATCH("/config", s.patchConfig)
	g.POST("/symbols/:symbol/resume", s.resume)
	g.GET("/ws", s.stream)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr in a background goroutine.
func (s *Server) Start(addr string) {
	go func() {
		s.log.Info().Str("addr", addr).Msg("dashboard listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("dashboard stopped")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			s.log.Debug().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return nil
		}
	}
}

func respond(c echo.Context, code int, data any) error {
	return c.JSON(code, Response{Status: code, Message: http.StatusText(code), Data: data})
}

func respondErr(c echo.Context, code int, err error) error {
	return c.JSON(code, Response{Status: code, Message: err.Error()})
}

// bindAndValidate binds the request, applies default tags, and runs validation.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	if err := defaults.Set(req); err != nil {
		return err
	}
	return validate.StructCtx(c.Request().Context(), req)
}

type statusRequest struct {
	Trades int `query:"trades" default:"20" validate:"gte=0,lte=500"`
}

func (s *Server) status(c echo.Context) error {
	req := &statusRequest{}
	if err := bindAndValidate(c, req); err != nil {
		return respondErr(c, http.StatusBadRequest, err)
	}
	st := s.eng.Status()
	if len(st.RecentTrades) > req.Trades {
		st.RecentTrades = st.RecentTrades[len(st.RecentTrades)-req.Trades:]
	}
	return respond(c, http.StatusOK, st)
}

func (s *Server) start(c echo.Context) error {
	switch err := s.eng.Start(); {
	case err == nil:
		s.log.Info().Msg("start requested")
		return respond(c, http.StatusOK, s.eng.Status())
	case errors.Is(err, engine.ErrRunning):
		return respondErr(c, http.StatusConflict, err)
	default:
		return respondErr(c, http.StatusServiceUnavailable, err)
	}
}

func (s *Server) stop(c echo.Context) error {
	s.eng.Stop()
	s.log.Info().Msg("stop requested")
	return respond(c, http.StatusOK, s.eng.Status())
}

type emergencyResult struct {
	Closed []journal.TradeRecord `json:"closed"`
	Error  string                `json:"error,omitempty"`
}

func (s *Server) emergencyClose(c echo.Context) error {
	s.log.Warn().Msg("emergency close requested")
	records, err := s.eng.EmergencyCloseAll(c.Request().Context())
	out := emergencyResult{Closed: records}
	if out.Closed == nil {
		out.Closed = []journal.TradeRecord{}
	}
	if err != nil {
		out.Error = err.Error()
		return c.JSON(http.StatusInternalServerError, Response{
			Status:  http.StatusInternalServerError,
			Message: "emergency close incomplete",
			Data:    out,
		})
	}
	return respond(c, http.StatusOK, out)
}

func (s *Server) patchConfig(c echo.Context) error {
	patch := config.Patch{}
	if err := bindAndValidate(c, &patch); err != nil {
		return respondErr(c, http.StatusBadRequest, err)
	}
	if patch.Empty() {
		return respondErr(c, http.StatusBadRequest, errors.New("no configurable fields supplied"))
	}
	next, err := s.eng.UpdateConfig(patch)
	if err != nil {
		return respondErr(c, http.StatusBadRequest, err)
	}
	return respond(c, http.StatusOK, map[string]any{
		"min_confidence":           next.Strategy.MinConfidence,
		"max_concurrent_positions": next.Risk.MaxConcurrentPositions,
		"max_daily_trades":         next.Risk.MaxDailyTrades,
		"max_daily_loss":           next.Risk.MaxDailyLoss,
		"min_margin_headroom":      next.Risk.MinMarginHeadroom,
	})
}

func (s *Server) resume(c echo.Context) error {
	symbol := c.Param("symbol")
	if err := s.eng.Resume(symbol); err != nil {
		if errors.Is(err, engine.ErrUnknownSymbol) {
			return respondErr(c, http.StatusNotFound, err)
		}
		return respondErr(c, http.StatusInternalServerError, err)
	}
	return respond(c, http.StatusOK, map[string]string{"resumed": symbol})
}
