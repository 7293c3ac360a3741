package gemini

import (
	"fmt"
	"strings"

	"github.com/edgard/replybot/internal/rules"
)

const maxReplyTokens = 300

// ReplyGuidelines is appended to the configured system instruction.
const ReplyGuidelines = `Rules for every reply:
- Answer in plain text suitable for WhatsApp, at most three short sentences.
- Never invent prices, stock levels, opening hours or order details. When unsure, say a team member will follow up.
- Do not ask for payment details or passwords.`

// FormatCustomerMessage renders msg as the user turn sent to the model.
func FormatCustomerMessage(msg rules.InboundMessage) string {
	name := strings.TrimSpace(msg.SenderName)
	if name == "" {
		name = "A customer"
	}
	return fmt.Sprintf("%s wrote at %s:\n%s", name, msg.Timestamp.Format("2006-01-02 15:04"), msg.Body)
}
