// Package gateway assembles the coven-rooms server.
//
// # Overview
//
// New wires the SQLite store, the permission oracle, the backplane, the
// room registry and the WebSocket session handler behind a single
// http.ServeMux. Run serves it on a TCP address or on a tailnet node, and
// Shutdown tears it down in dependency order.
//
// # Routes
//
//   - GET /ws/chat/{conversation}/ - WebSocket chat session
//   - POST /api/attachments - multipart upload (bearer token required)
//   - GET /attachments/... - stored attachment files
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check with live room stats
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Cancelling ctx stops the HTTP server, closes every session with a
// going-away frame, then releases the registry, backplane, tailnet node and
// store.
package gateway
