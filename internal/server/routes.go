// Package server wires HTTP handlers into a ServeMux for the WhisperLink
// application via routing helpers.
package server

import "net/http"

// routes configures the application's ServeMux and wraps it in the CORS
// policy. The WebSocket route is registered without a method so that
// non-GET requests receive the endpoint's own 405 message.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws/{identity}", s.handleWebSocket)
	mux.HandleFunc("POST /check-username", s.handleCheckUsername)
	mux.HandleFunc("GET /users", s.handleUsers)
	mux.HandleFunc("GET /messages/{identity}", s.handleMessages)
	mux.HandleFunc("GET /test", TestPageHandler)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.origins.cors(mux)
}
