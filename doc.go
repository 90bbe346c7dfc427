// Package wsclient implements a client-side WebSocket engine compliant with
// RFC 6455, with optional permessage-deflate (RFC 7692) and Happy-Eyeballs
// dual-stack connection establishment (RFC 6555).
//
// A connection is built from a Config:
//
//	cfg, err := wsclient.NewConfig("wss://example.com/socket")
//	cfg.WithCompression(true)
//	conn, err := cfg.Dial(context.Background())
//
// Traffic and lifecycle events are delivered through a Listener registered
// with Conn.AddListener once Dial has returned the Conn; OnConnected has
// already fired by then.
package wsclient
