package webhook

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/edgard/replybot/internal/errors"
)

// Normalized event types.
const (
	TypeIncomingMessage       = "incomingMessage"
	TypeInstanceStateChanged  = "instanceStateChanged"
	TypeOutgoingMessageStatus = "outgoingMessageStatus"
)

// nativeTypes maps Green API typeWebhook values to normalized types.
var nativeTypes = map[string]string{
	"incomingMessageReceived": TypeIncomingMessage,
	"stateInstanceChanged":    TypeInstanceStateChanged,
	"outgoingMessageStatus":   TypeOutgoingMessageStatus,
}

// Event is an inbound webhook after normalization.
type Event struct {
	Type          string `validate:"required"`
	InstanceID    string `validate:"required"`
	MessageID     string
	ChatID        string
	SenderID      string `validate:"required_if=Type incomingMessage"`
	SenderName    string
	Body          string
	MessageType   string
	StateInstance string `validate:"required_if=Type instanceStateChanged"`
	Status        string
	Timestamp     time.Time
}

// Group reports whether the message was posted in a group chat.
func (e Event) Group() bool {
	return strings.HasSuffix(e.ChatID, "@g.us")
}

// wireEvent holds every field of both accepted shapes.
type wireEvent struct {
	// flat shape
	Type          string     `json:"type"`
	InstanceID    flexString `json:"instanceId"`
	SenderID      string     `json:"senderId"`
	SenderName    string     `json:"senderName"`
	Body          string     `json:"body"`
	MessageID     string     `json:"messageId"`
	MessageType   string     `json:"messageType"`
	StateInstance string     `json:"stateInstance"`
	Status        string     `json:"status"`
	Timestamp     flexTime   `json:"timestamp"`

	// Green API native shape
	TypeWebhook  string        `json:"typeWebhook"`
	IDMessage    string        `json:"idMessage"`
	InstanceData *instanceData `json:"instanceData"`
	SenderData   *senderData   `json:"senderData"`
	MessageData  *messageData  `json:"messageData"`
}

type instanceData struct {
	IDInstance flexString `json:"idInstance"`
	Wid        string     `json:"wid"`
}

type senderData struct {
	ChatID     string `json:"chatId"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName"`
}

type messageData struct {
	TypeMessage     string `json:"typeMessage"`
	TextMessageData *struct {
		TextMessage string `json:"textMessage"`
	} `json:"textMessageData"`
	ExtendedTextMessageData *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessageData"`
	FileMessageData *struct {
		Caption string `json:"caption"`
	} `json:"fileMessageData"`
}

func (m *messageData) text() string {
	switch {
	case m.TextMessageData != nil:
		return m.TextMessageData.TextMessage
	case m.ExtendedTextMessageData != nil:
		return m.ExtendedTextMessageData.Text
	case m.FileMessageData != nil:
		return m.FileMessageData.Caption
	}
	return ""
}

var validate = validator.New()

// ParseEvent decodes and normalizes raw. Input that is not JSON at all is an
// error of its own; the caller rejects it instead of acknowledging it.
// instanceHint fills the instance id when the payload does not carry one.
func ParseEvent(raw []byte, instanceHint string) (Event, error) {
	if !json.Valid(raw) {
		return Event{}, errNotJSON
	}

	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, apperrors.NewValidationError("webhook payload has an invalid shape", err)
	}

	ev := normalize(w)
	if ev.InstanceID == "" {
		ev.InstanceID = instanceHint
	} else if instanceHint != "" && instanceHint != ev.InstanceID {
		return ev, apperrors.NewValidationError(
			fmt.Sprintf("payload instance %q does not match path instance %q", ev.InstanceID, instanceHint), nil)
	}

	if err := validate.Struct(ev); err != nil {
		return ev, apperrors.NewValidationError("webhook payload is missing required fields", err)
	}
	return ev, nil
}

func normalize(w wireEvent) Event {
	if w.TypeWebhook == "" {
		return Event{
			Type:          nativeOrFlatType(w.Type),
			InstanceID:    string(w.InstanceID),
			MessageID:     w.MessageID,
			ChatID:        w.SenderID,
			SenderID:      w.SenderID,
			SenderName:    w.SenderName,
			Body:          w.Body,
			MessageType:   w.MessageType,
			StateInstance: w.StateInstance,
			Status:        w.Status,
			Timestamp:     time.Time(w.Timestamp),
		}
	}

	ev := Event{
		Type:          nativeOrFlatType(w.TypeWebhook),
		MessageID:     w.IDMessage,
		StateInstance: w.StateInstance,
		Status:        w.Status,
		Timestamp:     time.Time(w.Timestamp),
	}
	if w.InstanceData != nil {
		ev.InstanceID = string(w.InstanceData.IDInstance)
	}
	if w.SenderData != nil {
		ev.ChatID = w.SenderData.ChatID
		ev.SenderID = w.SenderData.Sender
		if ev.SenderID == "" {
			ev.SenderID = w.SenderData.ChatID
		}
		ev.SenderName = w.SenderData.SenderName
	}
	if w.MessageData != nil {
		ev.MessageType = w.MessageData.TypeMessage
		ev.Body = w.MessageData.text()
	}
	return ev
}

func nativeOrFlatType(t string) string {
	if mapped, ok := nativeTypes[t]; ok {
		return mapped
	}
	return t
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(n.String())
	return nil
}

// flexTime accepts unix seconds or milliseconds, integer or fractional, or an RFC 3339 string.
type flexTime time.Time

// Values above this are taken as milliseconds.
const unixMillisThreshold = 1e11

func (t *flexTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if v == "" {
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339, v); err == nil {
			*t = flexTime(parsed)
			return nil
		}
		parsed, err := parseUnix(v)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", v)
		}
		*t = flexTime(parsed)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	parsed, err := parseUnix(n.String())
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", data)
	}
	*t = flexTime(parsed)
	return nil
}

// parseUnix parses an integer or fractional unix timestamp in seconds or milliseconds.
func parseUnix(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return fromUnix(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %q", s)
	}
	if f > unixMillisThreshold {
		return time.UnixMicro(int64(math.Round(f * 1e3))).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), nil
}

func fromUnix(n int64) time.Time {
	if n > unixMillisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
