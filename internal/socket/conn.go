// Package socket implements the per-connection packet protocol: a
// websocket wrapper that exposes inbound frames as a channel, and the
// dispatch loop that decodes frames into packets, routes them to handlers
// and drives time-based ticks while the line is quiet.
package socket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/mitchellvdhut/quizzap/pkg/packet"
)

// Conn is the transport a Runner drives. Frames delivers inbound frames
// and is closed on transport disconnect.
type Conn interface {
	Frames(ctx context.Context) <-chan []byte
	Send(ctx context.Context, pkt packet.Packet) error
	Close(reason string)
}

const writeTimeout = 3 * time.Second

// WSConn adapts a websocket connection to Conn.
type WSConn struct {
	ws  *websocket.Conn
	log *zap.Logger
}

func NewWSConn(ws *websocket.Conn, log *zap.Logger) *WSConn {
	if log == nil {
		log = zap.NewNop()
	}
	return &WSConn{ws: ws, log: log}
}

// Frames starts the reader goroutine. The returned channel closes when the
// peer disconnects or ctx is cancelled.
func (c *WSConn) Frames(ctx context.Context) <-chan []byte {
	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			_, data, err := c.ws.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					c.log.Debug("socket read ended", zap.Error(err))
				}
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames
}

func (c *WSConn) Send(ctx context.Context, pkt packet.Packet) error {
	data, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *WSConn) Close(reason string) {
	_ = c.ws.Close(websocket.StatusNormalClosure, reason)
}
