package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Kind classifies a gateway failure by how the caller should react.
type Kind int

const (
	KindNone Kind = iota
	// KindUnauthorized is a credential rejection (401/403).
	KindUnauthorized
	// KindThrottled is a rate-limit rejection (429).
	KindThrottled
	// KindTransient covers network errors, timeouts and 5xx responses.
	KindTransient
	// KindPermanent is any other rejection; retrying will not help.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindUnauthorized:
		return "unauthorized"
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Classify maps an error returned by Client to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
			return KindUnauthorized
		case se.StatusCode == http.StatusTooManyRequests:
			return KindThrottled
		case se.StatusCode >= 500:
			return KindTransient
		default:
			return KindPermanent
		}
	}
	if errors.Is(err, errDecode) {
		return KindPermanent
	}
	return KindTransient
}

var errDecode = errors.New("failed to decode gateway response")

const maxErrorBody = 512

// doRequest handles the request/response cycle for {baseURL}/{method}/{token}.
func (c *Client) doRequest(ctx context.Context, creds Credentials, httpMethod, apiMethod string, body, response any) error {
	req, err := c.buildRequest(ctx, creds, httpMethod, apiMethod, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", apiMethod, redact(err, creds.AuthToken))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if response == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

func (c *Client) buildRequest(ctx context.Context, creds Credentials, httpMethod, apiMethod string, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	url := strings.TrimRight(creds.BaseURL, "/") + "/" + apiMethod + "/" + creds.AuthToken
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, bodyReader)
	if err != nil {
		return nil, redact(err, creds.AuthToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// RetryAfter returns the wait requested by a throttled gateway response, or zero.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact strips the auth token, which is part of the URL, from transport errors.
func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "***"), err: err}
}
