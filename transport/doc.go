// Package transport streams live heart-rate feeds to viewers over HTTP.
//
// # Available Transports
//
//   - FeedServer: WebSocket, one JSON text frame per update, with pings
//   - SSEFeedServer: Server-Sent Events, one "data:" event per update, with
//     heartbeat comments
//
// Both open a consumer on the hub when a viewer connects and release it when
// the viewer goes away. Viewers only receive; anything they send is
// discarded.
//
// # Identity
//
// The transports do not authenticate. Identity resolves the viewer from the
// request after the outer auth layer has done its work; the default reads
// the X-User-ID header and falls back to the "user" query parameter.
//
// # Usage
//
//	mux := http.NewServeMux()
//	mux.Handle("/feed", transport.NewFeedServer(h, transport.DefaultConfig(), log))
//	mux.Handle("/feed/sse", transport.NewSSEFeedServer(h, transport.DefaultConfig(), log))
//
//	srv := transport.NewServer(":8080", mux)
//	go srv.ListenAndServe()
//	coord.RegisterWithPhase("feed", srv, 10)
package transport
