package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/watchlist-sync/internal/library"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pushPath         = "/ws/sync"
	pingWriteTimeout = 5 * time.Second
)

// PushMessage is one realtime notification. Raw keeps the original frame for debug logging.
type PushMessage struct {
	Type      string          `json:"type"`
	ImdbID    string          `json:"imdb_id,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// PushConn is an open realtime channel.
type PushConn interface {
	// Next blocks for the next message. Frames that are not JSON come back with an empty Type.
	Next() (PushMessage, error)
	// Ping sends an advisory liveness check.
	Ping() error
	Close() error
}

type websocketPushConn struct {
	conn   *websocket.Conn
	logger *zap.Logger
}

// DialPush opens the realtime channel with the credential embedded in the query string.
func (c *Client) DialPush(ctx context.Context) (PushConn, error) {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return nil, err
	}
	endpoint, err := c.pushURL(token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.deviceID != "" {
		header.Set(deviceHeader, c.deviceID)
	}

	conn, response, err := c.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if response != nil {
			return nil, classifyStatus(response.StatusCode, "realtime handshake rejected")
		}
		return nil, ClassifyError(err)
	}
	pushConn := &websocketPushConn{conn: conn, logger: c.logger}
	conn.SetPongHandler(func(string) error {
		pushConn.logger.Debug("realtime pong received")
		return nil
	})
	return pushConn, nil
}

func (c *Client) pushURL(token string) (string, error) {
	target, err := url.Parse(c.baseURL.String() + pushPath)
	if err != nil {
		return "", fmt.Errorf("%w: realtime url: %v", library.ErrValidation, err)
	}
	switch strings.ToLower(target.Scheme) {
	case "https":
		target.Scheme = "wss"
	case "http", "":
		target.Scheme = "ws"
	}
	query := target.Query()
	query.Set("token", token)
	target.RawQuery = query.Encode()
	return target.String(), nil
}

func (p *websocketPushConn) Next() (PushMessage, error) {
	_, frame, err := p.conn.ReadMessage()
	if err != nil {
		return PushMessage{}, fmt.Errorf("%w: realtime read: %v", library.ErrConnectivity, err)
	}
	var message PushMessage
	if err := json.Unmarshal(frame, &message); err != nil {
		p.logger.Debug("realtime frame is not json", zap.ByteString("frame", frame))
		message = PushMessage{}
	}
	message.Raw = append(json.RawMessage(nil), frame...)
	return message, nil
}

func (p *websocketPushConn) Ping() error {
	deadline := time.Now().Add(pingWriteTimeout)
	if err := p.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return ClassifyError(err)
	}
	return nil
}

func (p *websocketPushConn) Close() error {
	deadline := time.Now().Add(pingWriteTimeout)
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), deadline)
	return p.conn.Close()
}
