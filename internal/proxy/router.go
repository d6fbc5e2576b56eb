package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/relayforge/codeassist-gateway/internal/catalog"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8317").
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := g.server(mgmt)
	return srv.ListenAndServe(addr)
}

// server builds the configured fasthttp.Server. Split from Start so tests can
// drive the handler without a listener.
func (g *Gateway) server(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// No write timeout: a streaming completion stays open as long as the
		// model generates.
		WriteTimeout: 0,
	}
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleModels serves the OpenAI-compatible model list from the catalog.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	infos := catalog.List()
	data := make([]model, len(infos))
	for i, info := range infos {
		data[i] = model{
			ID:      info.ID,
			Object:  "model",
			Created: 0,
			OwnedBy: "google",
		}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":         "ok",
		"version":        g.version,
		"accounts":       g.accounts.AccountCount(),
		"active_account": g.accounts.Current(),
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
