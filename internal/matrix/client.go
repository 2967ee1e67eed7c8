// Package matrix posts plain text messages to a room through the Matrix
// client-server API.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

type ClientInterface interface {
	SendText(ctx context.Context, roomID, body string) error
}

// DeliveryError is returned when the homeserver rejects a message.
type DeliveryError struct {
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("matrix send: unexpected status %d", e.StatusCode)
}

type Client struct {
	homeserver string
	client     *http.Client
	logger     *slog.Logger
}

var _ ClientInterface = (*Client)(nil)

func NewClient(homeserverURL, accessToken string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		homeserver: homeserverURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
				Base:   http.DefaultTransport,
			},
		},
		logger: logger.With("component", "matrix"),
	}
}

type textMessage struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// SendText sends body as an m.text message. Each call uses a fresh
// transaction id, so a repeated call is a new message.
func (c *Client) SendText(ctx context.Context, roomID, body string) error {
	txnID := uuid.NewString()
	endpoint, err := url.JoinPath(c.homeserver,
		"_matrix/client/v3/rooms", url.PathEscape(roomID),
		"send/m.room.message", txnID)
	if err != nil {
		return fmt.Errorf("invalid homeserver url: %w", err)
	}

	payload, err := json.Marshal(textMessage{MsgType: "m.text", Body: body})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("matrix send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("Message sent", "room_id", roomID, "txn_id", txnID)
	return nil
}
