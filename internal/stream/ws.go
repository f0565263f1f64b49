package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla WebSocket connection to the Transport
// interface. Writes are serialized; gorilla permits at most one concurrent
// writer per connection.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// DialWebSocket opens a WebSocket transport to the given URL.
var DialWebSocket DialFunc = func(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %q: %w", url, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
