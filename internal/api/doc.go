// Package api implements the gateway's diagnostics HTTP API.
//
// Endpoints (all under /api/v1):
//   - GET /health: gateway status and broker connection state
//   - GET /stats: bridge counters, runtime and tap metrics
//   - GET /nodes, GET /nodes/{mac}: the node registry
//   - GET /ws: WebSocket live tap of every message the bridge publishes
//
// The server binds to 127.0.0.1 by default and has no authentication; it is
// a bench and monitoring aid, not a control surface. Nothing here can change
// what the bridge does.
//
// Lifecycle:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
