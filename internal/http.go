package internal

import (
	"strings"
	"time"

	"github.com/prappser/prappser_ingest/internal/middleware"
	"github.com/prappser/prappser_ingest/internal/status"
	"github.com/prappser/prappser_ingest/internal/upload"
	"github.com/prappser/prappser_ingest/internal/user"
	"github.com/prappser/prappser_ingest/internal/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

func methodNotAllowed(ctx *fasthttp.RequestCtx) {
	ctx.Error("Method Not Allowed", fasthttp.StatusMethodNotAllowed)
}

func notFound(ctx *fasthttp.RequestCtx) {
	ctx.Error("Not Found", fasthttp.StatusNotFound)
}

// MetricsHandler serves the registry in the Prometheus text format.
func MetricsHandler(gatherer prometheus.Gatherer) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

func NewRequestHandler(config *Config, userService *user.UserService, uploadEndpoints *upload.Endpoints, statusEndpoints *status.StatusEndpoints, wsHandler *websocket.Handler, metricsHandler fasthttp.RequestHandler) fasthttp.RequestHandler {
	authMiddleware := middleware.NewAuthMiddleware(userService)
	corsMiddleware := middleware.NewCORSMiddleware(config.Server.AllowedOrigins)

	handler := func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		method := string(ctx.Method())

		switch {
		case path == "/health":
			statusEndpoints.Health(ctx)
		case path == "/status":
			authMiddleware.RequireAuth(statusEndpoints.Status)(ctx)
		case path == "/metrics":
			if metricsHandler == nil {
				notFound(ctx)
				return
			}
			metricsHandler(ctx)
		case path == "/ws":
			wsHandler.HandleFastHTTP(ctx)

		case path == "/upload/chunk":
			if method != fasthttp.MethodPost {
				methodNotAllowed(ctx)
				return
			}
			authMiddleware.RequireAuth(uploadEndpoints.UploadChunk)(ctx)
		case path == "/upload/complete":
			if method != fasthttp.MethodPost {
				methodNotAllowed(ctx)
				return
			}
			authMiddleware.RequireAuth(uploadEndpoints.Reassemble)(ctx)
		case path == "/upload":
			if method != fasthttp.MethodPost {
				methodNotAllowed(ctx)
				return
			}
			authMiddleware.RequireAuth(uploadEndpoints.UploadDirect)(ctx)
		case strings.HasPrefix(path, "/upload/"):
			parts := strings.Split(path, "/")
			if len(parts) != 3 || parts[2] == "" {
				notFound(ctx)
				return
			}
			if method != fasthttp.MethodGet {
				methodNotAllowed(ctx)
				return
			}
			ctx.SetUserValue("fileID", parts[2])
			authMiddleware.RequireAuth(uploadEndpoints.SessionStatus)(ctx)

		case path == "/usage":
			if method != fasthttp.MethodGet {
				methodNotAllowed(ctx)
				return
			}
			authMiddleware.RequireAuth(uploadEndpoints.Usage)(ctx)

		case strings.HasPrefix(path, "/media/") && strings.HasSuffix(path, "/content"):
			parts := strings.Split(path, "/")
			if len(parts) != 4 || parts[2] == "" {
				notFound(ctx)
				return
			}
			if method != fasthttp.MethodGet {
				methodNotAllowed(ctx)
				return
			}
			ctx.SetUserValue("mediaID", parts[2])
			authMiddleware.OptionalAuth(uploadEndpoints.GetMediaContent)(ctx)
		case strings.HasPrefix(path, "/media/"):
			parts := strings.Split(path, "/")
			if len(parts) != 3 || parts[2] == "" {
				notFound(ctx)
				return
			}
			ctx.SetUserValue("mediaID", parts[2])
			switch method {
			case fasthttp.MethodGet:
				authMiddleware.OptionalAuth(uploadEndpoints.GetMedia)(ctx)
			case fasthttp.MethodDelete:
				authMiddleware.RequireAuth(uploadEndpoints.DeleteMedia)(ctx)
			default:
				methodNotAllowed(ctx)
			}

		default:
			notFound(ctx)
		}
	}

	return corsMiddleware.Handle(handler)
}

// NewServer wraps handler with the server limits from config. The body
// limit must admit a full chunk or direct upload plus multipart overhead.
func NewServer(config *Config, handler fasthttp.RequestHandler) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            handler,
		Name:               "prappser-ingest",
		MaxRequestBodySize: int(config.Server.MaxBodySize),
		ReadTimeout:        5 * time.Minute,
		WriteTimeout:       5 * time.Minute,
		IdleTimeout:        2 * time.Minute,
		StreamRequestBody:  false,
	}
}
