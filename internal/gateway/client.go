// Package gateway is a client for the Green API messaging gateway.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgard/replybot/internal/logger"
)

// Credentials address one instance on the gateway.
type Credentials struct {
	InstanceID string
	BaseURL    string // {host}/waInstance{id}
	AuthToken  string
}

// SendResult is the gateway's answer to a send call.
type SendResult struct {
	MessageID string `json:"idMessage"`
}

// Sender issues outbound messages.
type Sender interface {
	SendMessage(ctx context.Context, creds Credentials, chatID, message string) (SendResult, error)
}

// StatusReader fetches the upstream state of an instance.
type StatusReader interface {
	GetStateInstance(ctx context.Context, creds Credentials) (string, error)
}

// Client talks to Green API over HTTP.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client whose calls are bounded by timeout.
func NewClient(log *slog.Logger, timeout time.Duration) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With("component", "gateway"),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

type sendMessageRequest struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

// SendMessage posts a text message to chatID.
func (c *Client) SendMessage(ctx context.Context, creds Credentials, chatID, message string) (SendResult, error) {
	var res SendResult
	err := c.doRequest(ctx, creds, http.MethodPost, "sendMessage", sendMessageRequest{
		ChatID:  ChatID(chatID),
		Message: message,
	}, &res)
	if err != nil {
		return SendResult{}, err
	}
	c.logger.DebugContext(ctx, "Message sent", "instance_id", creds.InstanceID, "id_message", res.MessageID)
	return res, nil
}

type stateInstanceResponse struct {
	StateInstance string `json:"stateInstance"`
}

// GetStateInstance returns the raw stateInstance value, e.g. "authorized".
func (c *Client) GetStateInstance(ctx context.Context, creds Credentials) (string, error) {
	var res stateInstanceResponse
	if err := c.doRequest(ctx, creds, http.MethodGet, "getStateInstance", nil, &res); err != nil {
		return "", err
	}
	return res.StateInstance, nil
}

// ChatID turns a bare phone number into a personal chat id. Ids that already
// carry a suffix (@c.us, @g.us) are returned unchanged.
func ChatID(recipient string) string {
	recipient = strings.TrimSpace(recipient)
	if strings.Contains(recipient, "@") {
		return recipient
	}
	return strings.TrimPrefix(strings.ReplaceAll(recipient, " ", ""), "+") + "@c.us"
}
