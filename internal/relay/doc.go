// Package relay bridges a client websocket to a backend websocket.
//
// A Relay is an http.Handler. For each upgrade request it first dials the
// configured backend at the same path and query, replaying the client's
// headers minus hop-by-hop and handshake headers. Only when the backend
// accepts is the client upgraded, echoing the backend's subprotocol. If the
// backend cannot be reached the client gets 502 and no upgrade happens.
//
// Once both legs are open, two loops copy one message at a time in each
// direction with NextReader/NextWriter so text and binary types are kept
// and nothing is buffered beyond the copy buffer. A close frame from either
// side is forwarded to the other with the same code and reason; any other
// failure, or cancellation of the bridge context, closes both legs.
//
// Each leg is kept alive with ping control frames. Pongs and data extend the
// read deadline; writes carry their own deadline.
package relay
