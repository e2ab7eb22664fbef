package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loykin/procd/internal/store"
)

// MetricsServer serves GET /metrics and GET /healthz. It exposes no
// control operations.
type MetricsServer struct {
	srv *http.Server
	ln  net.Listener
}

const (
	RouterGin  = "gin"
	RouterEcho = "echo"
)

type health struct {
	Status    string `json:"status"`
	Instance  string `json:"instance"`
	Processes int    `json:"processes"`
}

func healthOf(instance string, st *store.Store) health {
	return health{Status: "ok", Instance: instance, Processes: st.Len()}
}

// NewHandler builds the metrics router named by router ("gin" or "echo").
func NewHandler(router, instance string, st *store.Store, metricsHandler http.Handler) (http.Handler, error) {
	switch router {
	case "", RouterGin:
		return Handler(instance, st, metricsHandler), nil
	case RouterEcho:
		return EchoHandler(instance, st, metricsHandler), nil
	}
	return nil, fmt.Errorf("unknown metrics router %q", router)
}

// Handler returns the gin engine behind the metrics server.
func Handler(instance string, st *store.Store, metricsHandler http.Handler) http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metricsHandler))
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, healthOf(instance, st))
	})
	return g
}

// EchoHandler serves the same routes with echo.
func EchoHandler(instance string, st *store.Store, metricsHandler http.Handler) http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/metrics", echo.WrapHandler(metricsHandler))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthOf(instance, st))
	})
	return e
}

// StartMetricsServer binds addr and serves in the background.
func StartMetricsServer(addr string, h http.Handler) (*MetricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.Serve(ln) }()
	return &MetricsServer{srv: srv, ln: ln}, nil
}

func (m *MetricsServer) Addr() string { return m.ln.Addr().String() }

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	err := m.srv.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
