package ws

import (
	"context"

	"github.com/gorilla/websocket"

	"github.com/gliderwire/framewire"
)

// Dial opens a WebSocket connection to url and wraps it as a
// framewire.Connection, sending capabilities proactively (client-side
// behavior per spec.md §4.I).
func Dial(ctx context.Context, url string, config framewire.TransportConfig, name string) (*framewire.Connection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	socket := NewSocket(conn, conn.RemoteAddr().String(), nil)
	return framewire.New(socket, config, name, true), nil
}
