package controllers

import (
	"fleetd/backend/app/middleware"
	"fleetd/backend/app/socket"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type SocketController struct {
	Hub  *socket.Hub
	Auth *middleware.Auth
	log  zerolog.Logger
}

func NewSocketController(hub *socket.Hub, auth *middleware.Auth, log zerolog.Logger) *SocketController {
	return &SocketController{Hub: hub, Auth: auth, log: log.With().Str("component", "ws").Logger()}
}

// Serve upgrades the request and hands the connection to the hub. A bad
// token is answered on the socket with an unauthorized event before close.
func (h *SocketController) Serve(c *gin.Context) {
	conn, err := socket.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	claims, err := h.Auth.Authenticate(c.Request)
	if err != nil {
		h.log.Info().Err(err).Str("ip", c.ClientIP()).Msg("websocket rejected")
		socket.Reject(conn, "invalid token")
		return
	}
	id := uuid.NewString()
	h.log.Info().Str("subscriber", id).Str("user", claims.UserID).Msg("websocket connected")
	socket.NewClient(h.Hub, conn, id, claims.UserID).Serve()
	h.log.Info().Str("subscriber", id).Msg("websocket disconnected")
}
