package rules

import (
	"hash/fnv"
	"math/rand"
	"strings"
	"time"
)

// Placeholders recognised in rule responses.
const (
	PlaceholderSenderName  = "{sender_name}"
	PlaceholderCurrentTime = "{current_time}"
	PlaceholderCurrentDate = "{current_date}"
)

// Render produces the reply text of rule for msg. Placeholders are only
// substituted when the matching variable is enabled; loc is the rule's timezone.
func Render(rule AutoReplyRule, msg InboundMessage, now time.Time, loc *time.Location) string {
	body := pickResponse(rule, msg)

	if rule.Variables.UseSenderName {
		body = strings.ReplaceAll(body, PlaceholderSenderName, senderDisplayName(msg))
	}
	if rule.Variables.UseCurrentTime {
		local := now.In(loc)
		body = strings.ReplaceAll(body, PlaceholderCurrentTime, local.Format("15:04"))
		body = strings.ReplaceAll(body, PlaceholderCurrentDate, local.Format(DayLayout))
	}
	return body
}

// pickResponse chooses among the response and its alternates. The choice is
// seeded by the message id so a redelivered message renders the same reply.
func pickResponse(rule AutoReplyRule, msg InboundMessage) string {
	if !rule.Variables.UseRandomResponse || len(rule.AlternateResponses) == 0 {
		return rule.Response
	}
	options := make([]string, 0, len(rule.AlternateResponses)+1)
	options = append(options, rule.Response)
	for _, alt := range rule.AlternateResponses {
		if strings.TrimSpace(alt) != "" {
			options = append(options, alt)
		}
	}

	rng := rand.New(rand.NewSource(int64(messageSeed(msg))))
	return options[rng.Intn(len(options))]
}

func messageSeed(msg InboundMessage) uint64 {
	h := fnv.New64a()
	if msg.MessageID != "" {
		_, _ = h.Write([]byte(msg.MessageID))
	} else {
		_, _ = h.Write([]byte(msg.InstanceID + "\x00" + msg.SenderID + "\x00" + msg.Body + "\x00" + msg.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	return h.Sum64()
}

func senderDisplayName(msg InboundMessage) string {
	if name := strings.TrimSpace(msg.SenderName); name != "" {
		return name
	}
	return NormalizeSender(msg.SenderID)
}
