package status

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const pingTimeout = 2 * time.Second

type Pinger interface {
	Ping(ctx context.Context) error
}

// Source reports live counters for /status. Any field may be nil.
type Source struct {
	ActiveSessions func() int
	CacheStats     func() (hits, misses int64)
	Connections    func() (clients, owners int)
}

type StatusEndpoints struct {
	version string
	db      Pinger
	source  Source
}

func NewEndpoints(version string, db Pinger, source Source) *StatusEndpoints {
	return &StatusEndpoints{
		version: version,
		db:      db,
		source:  source,
	}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database,omitempty"`
}

type StatusResponse struct {
	Health           string `json:"health"`
	Version          string `json:"version"`
	ActiveUploads    int    `json:"activeUploads"`
	UsageCacheHits   int64  `json:"usageCacheHits"`
	UsageCacheMisses int64  `json:"usageCacheMisses"`
	WebsocketClients int    `json:"websocketClients"`
	WebsocketOwners  int    `json:"websocketOwners"`
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	responseJSON, err := json.Marshal(body)
	if err != nil {
		ctx.Error("Internal Server Error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(status)
	ctx.SetBody(responseJSON)
}

// Health answers 503 when the database does not respond.
func (se *StatusEndpoints) Health(ctx *fasthttp.RequestCtx) {
	response := HealthResponse{Status: "ok", Version: se.version}
	if se.db == nil {
		writeJSON(ctx, fasthttp.StatusOK, response)
		return
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := se.db.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("[STATUS] Database ping failed")
		response.Status = "degraded"
		response.Database = "unreachable"
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, response)
		return
	}
	response.Database = "ok"
	writeJSON(ctx, fasthttp.StatusOK, response)
}

func (se *StatusEndpoints) Status(ctx *fasthttp.RequestCtx) {
	response := StatusResponse{
		Health:  "OK",
		Version: se.version,
	}
	if se.source.ActiveSessions != nil {
		response.ActiveUploads = se.source.ActiveSessions()
	}
	if se.source.CacheStats != nil {
		response.UsageCacheHits, response.UsageCacheMisses = se.source.CacheStats()
	}
	if se.source.Connections != nil {
		response.WebsocketClients, response.WebsocketOwners = se.source.Connections()
	}
	writeJSON(ctx, fasthttp.StatusOK, response)
}
