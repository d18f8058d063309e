// Package gateway orchestrates the convo-gateway server components.
//
// # Overview
//
// The Gateway owns the SQLite store, the conversation Service, the local
// EventBroadcaster, the optional Redis notifier and the websocket relay, and
// serves them over one HTTP server.
//
// # HTTP API
//
// Conversations:
//
//	POST /api/conversations                       create ({"id"?, "title"?})
//	GET  /api/conversations                       list (?limit=N)
//	GET  /api/conversations/{id}                  get
//	POST /api/conversations/{id}/start            start a runtime session
//	POST /api/conversations/{id}/stop             stop
//
// Events:
//
//	POST /api/conversations/{id}/events           append a batch
//	GET  /api/conversations/{id}/events           id window (?start_id&end_id&reverse&limit)
//	GET  /api/conversations/{id}/events/{event_id}
//	GET  /api/conversations/{id}/live             websocket replay then live push
//	GET  /api/events/search                       filtered, cursor paged
//	GET  /api/events/count
//	GET  /api/events?ids=c1:0&ids=c2:3            batch get by composite id
//
// Everything under /sockets/ is relayed to the runtime backend.
//
// # Listeners
//
// The server listens on server.http_addr, or on a tsnet node when
// tailscale.enabled is set (plain :80, TLS :443 with tailnet certificates,
// or Funnel).
//
// # Health
//
//	GET /health        liveness
//	GET /health/ready  database (and Redis, when enabled) reachability
package gateway
