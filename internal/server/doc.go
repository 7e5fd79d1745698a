// Package server is the HTTP and WebSocket adapter around the relay core.
//
// The implementation is organized into specialized files for configuration,
// logging, metrics, client lifecycle, routing, and HTTP handlers. Domain logic
// lives in the registry and protocol packages; this package only moves frames
// between sockets and the protocol handler.
package server
