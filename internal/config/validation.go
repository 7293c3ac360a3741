package config

import (
	"crypto/subtle"
	"strings"
)

// IsWebhookAuthorized determines if an inbound webhook call may be processed.
// Authorization follows these rules in order:
//  1. If no webhook token is configured, every call is authorized
//  2. Otherwise the Authorization header must carry "Bearer <token>"
func (c *Config) IsWebhookAuthorized(authHeader string) bool {
	return bearerMatches(c.Webhook.Token, authHeader, true)
}

// IsAdminAuthorized determines if an instance administration call may be processed.
// Unlike webhooks, administration is closed when no admin token is configured.
func (c *Config) IsAdminAuthorized(authHeader string) bool {
	return bearerMatches(c.HTTP.AdminToken, authHeader, false)
}

func bearerMatches(expected, authHeader string, openWhenUnset bool) bool {
	if expected == "" {
		return openWhenUnset
	}

	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expected)) == 1
}
