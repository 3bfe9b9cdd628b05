package middleware

import (
	"github.com/goccy/go-json"
	"github.com/prappser/prappser_ingest/internal/user"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

type AuthMiddleware struct {
	userService *user.UserService
}

func NewAuthMiddleware(userService *user.UserService) *AuthMiddleware {
	return &AuthMiddleware{
		userService: userService,
	}
}

var unauthorizedBody, _ = json.Marshal(map[string]string{"error": "unauthorized"})

func unauthorized(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBody(unauthorizedBody)
}

func hasCredential(ctx *fasthttp.RequestCtx) bool {
	return len(ctx.Request.Header.Peek("Authorization")) > 0 || len(ctx.Request.Header.Peek("X-Access-Token")) > 0
}

// RequireAuth rejects requests without a valid session or access token.
func (am *AuthMiddleware) RequireAuth(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		authenticatedUser, err := am.userService.ValidateCredentialFromRequest(ctx)
		if err != nil {
			log.Debug().Err(err).Str("path", string(ctx.Path())).Msg("[AUTH] Authentication failed")
			unauthorized(ctx)
			return
		}

		ctx.SetUserValue("user", authenticatedUser)

		handler(ctx)
	}
}

// OptionalAuth lets anonymous requests through but still rejects a
// credential that does not verify.
func (am *AuthMiddleware) OptionalAuth(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !hasCredential(ctx) {
			handler(ctx)
			return
		}
		am.RequireAuth(handler)(ctx)
	}
}
