package websocket

import (
	"github.com/fasthttp/websocket"
	"github.com/prappser/prappser_ingest/internal/user"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type Handler struct {
	hub         *Hub
	userService *user.UserService
	upgrader    websocket.FastHTTPUpgrader
}

// NewHandler builds the /ws upgrade handler. A nil originAllowed accepts
// every origin.
func NewHandler(hub *Hub, userService *user.UserService, originAllowed func(origin string) bool) *Handler {
	return &Handler{
		hub:         hub,
		userService: userService,
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(ctx *fasthttp.RequestCtx) bool {
				origin := string(ctx.Request.Header.Peek("Origin"))
				return origin == "" || originAllowed == nil || originAllowed(origin)
			},
		},
	}
}

func (h *Handler) authenticate(ctx *fasthttp.RequestCtx) (*user.User, error) {
	// Browsers cannot set headers on websocket requests.
	if token := string(ctx.QueryArgs().Peek("token")); token != "" {
		return h.userService.Verify(token)
	}
	return h.userService.ValidateCredentialFromRequest(ctx)
}

// HandleFastHTTP upgrades GET /ws after authenticating the caller.
func (h *Handler) HandleFastHTTP(ctx *fasthttp.RequestCtx) {
	authenticatedUser, err := h.authenticate(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("[WS] Connection rejected: invalid credential")
		ctx.Error("Unauthorized", fasthttp.StatusUnauthorized)
		return
	}

	err = h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		client := NewClient(h.hub, conn, authenticatedUser)
		if !h.hub.Register(client) {
			conn.Close()
			return
		}

		client.trySend(&OutgoingMessage{
			Type:    MessageTypeConnected,
			OwnerID: authenticatedUser.ID,
		})

		log.Info().
			Str("ownerId", authenticatedUser.ID).
			Str("credential", authenticatedUser.Credential).
			Msg("[WS] Client connected")

		go client.WritePump()
		client.ReadPump()
	})
	if err != nil {
		log.Error().Err(err).Msg("[WS] Failed to upgrade connection")
	}
}
