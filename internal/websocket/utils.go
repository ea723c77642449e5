package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// The exam browser pings at least this often.
	readWait = 2 * time.Minute
)

// WriteTyped sends a frame over the WebSocket.
func WriteTyped(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// WriteError sends an error frame correlated to request id.
func WriteError(conn *websocket.Conn, id, errMsg string) error {
	return WriteTyped(conn, Message{Event: EventError, ID: id, Error: errMsg})
}

// ReadJSON reads and decodes a message into the provided structure.
// It sets a read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}
