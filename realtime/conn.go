// Package realtime maintains the push channel from the authority. Pushes
// are best-effort hints: anything self-contained is applied directly,
// anything else turns into a targeted pull, and reconnects always pull every
// stream because events during the gap are lost, not replayed.
package realtime

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/loomworks/loom/errors"
)

// Conn is the subset of a websocket connection the channel uses. Tests
// substitute an in-memory pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer opens a connection to the authority's push endpoint.
type Dialer func(ctx context.Context, url, token string) (Conn, error)

// DialWebSocket is the production Dialer.
func DialWebSocket(ctx context.Context, url, token string) (Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.WrapUnavailable(err, "websocket dial failed")
	}
	return conn, nil
}
