package middleware

import (
	"regexp"
	"strings"

	"github.com/valyala/fasthttp"
)

const (
	corsAllowMethods  = "GET, POST, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type, X-Access-Token"
	corsExposeHeaders = "Content-Type, Content-Disposition, ETag"
	corsMaxAge        = "86400"
)

// CORSMiddleware answers preflights and echoes allowed origins. Entries may
// use "*" as a wildcard for one host label or port, e.g.
// "https://*.example.com" or "http://localhost:*". A lone "*" allows any
// origin without credentials.
type CORSMiddleware struct {
	wildcard bool
	exact    map[string]bool
	patterns []*regexp.Regexp
}

func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	cm := &CORSMiddleware{exact: make(map[string]bool)}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	for _, origin := range allowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		switch {
		case origin == "*":
			cm.wildcard = true
		case strings.Contains(origin, "*"):
			cm.patterns = append(cm.patterns, originPattern(origin))
		case origin != "":
			cm.exact[origin] = true
		}
	}
	return cm
}

func originPattern(origin string) *regexp.Regexp {
	parts := strings.Split(origin, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("^" + strings.Join(parts, `[A-Za-z0-9-]+`) + "$")
}

func (cm *CORSMiddleware) Handle(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		origin := string(ctx.Request.Header.Peek("Origin"))

		if origin != "" && cm.matches(origin) {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", origin)
			ctx.Response.Header.Set("Access-Control-Allow-Credentials", "true")
			ctx.Response.Header.Add("Vary", "Origin")
		} else if cm.wildcard {
			ctx.Response.Header.Set("Access-Control-Allow-Origin", "*")
		}

		ctx.Response.Header.Set("Access-Control-Allow-Methods", corsAllowMethods)
		ctx.Response.Header.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		ctx.Response.Header.Set("Access-Control-Expose-Headers", corsExposeHeaders)
		ctx.Response.Header.Set("Access-Control-Max-Age", corsMaxAge)

		if ctx.IsOptions() {
			ctx.SetStatusCode(fasthttp.StatusNoContent)
			return
		}

		next(ctx)
	}
}

func (cm *CORSMiddleware) matches(origin string) bool {
	if cm.exact[origin] {
		return true
	}
	for _, pattern := range cm.patterns {
		if pattern.MatchString(origin) {
			return true
		}
	}
	return false
}

// Allows reports whether a cross-origin request from origin may proceed.
func (cm *CORSMiddleware) Allows(origin string) bool {
	return cm.wildcard || cm.matches(origin)
}
