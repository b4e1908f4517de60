package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSGateway upgrades HTTP requests and hands each WebSocket to the relay
// server, so browser clients speak the same protocol as TCP clients, one
// envelope per text frame.
type WSGateway struct {
	srv      *Server
	upgrader websocket.Upgrader
}

func NewWSGateway(srv *Server) *WSGateway {
	return &WSGateway{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handle is the gin entry point. It blocks for the life of the session.
func (g *WSGateway) Handle(ginCtx *gin.Context) {
	conn, err := g.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		zap.L().Warn("ws.upgrade_failed", zap.Error(err))
		return
	}
	g.srv.ServeTransport(newWSTransport(conn, g.srv.opts.MaxLineBytes))
}
