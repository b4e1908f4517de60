package http_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/http/adminhandler"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type httpServer struct {
	listenPort uint16
	srv        http.Server
	ln         net.Listener
	registry   adminhandler.Registry
	gateway    *relay.WSGateway
	ctx        context.Context
	timeout    time.Duration
}

// NewHttpServer builds the admin server. gateway may be nil, in which case
// /ws is not mounted.
func NewHttpServer(ctx context.Context, listenPort uint16, registry adminhandler.Registry, gateway *relay.WSGateway, shutdownTimeout time.Duration) *httpServer {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &httpServer{
		listenPort: listenPort,
		registry:   registry,
		gateway:    gateway,
		ctx:        ctx,
		timeout:    shutdownTimeout,
	}
}

// Listen binds the port so Start cannot race with Dispose.
func (h *httpServer) Listen() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", h.listenPort)
	h.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	h.srv = http.Server{
		Handler:           h.Engine(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	zap.L().Info("http.listening", zap.String("addr", h.ln.Addr().String()))
	return nil
}

// Engine returns the gin router with every admin route mounted.
func (h *httpServer) Engine() *gin.Engine {
	routerEngine := gin.New()
	routerEngine.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	routerEngine.Use(ginzap.RecoveryWithZap(zap.L(), true))

	adminhandler.New(h.registry).Register(routerEngine)
	routerEngine.GET("/metrics", gin.WrapH(metrics.Handler()))

	// websocket endpoint
	if h.gateway != nil {
		routerEngine.GET("/ws", h.gateway.Handle)
	}
	return routerEngine
}

// Start serves until Dispose. It returns nil after a graceful shutdown.
func (h *httpServer) Start() error {
	if h.ln == nil {
		if err := h.Listen(); err != nil {
			return err
		}
	}
	if err := h.srv.Serve(h.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dispose gracefully shuts the HTTP server down.
// It waits up to the shutdown timeout for in-flight requests to finish;
// upgraded WebSocket connections are closed by the relay server.
func (h *httpServer) Dispose() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), h.timeout)
	defer cancel()

	if err := h.srv.Shutdown(ctx); err != nil {
		zap.L().Error("http.dispose_failed", zap.Error(err))
		return err
	}
	return nil
}
