// Package qrpayload encodes the text placed inside a QR code.
//
// The payload is a query string carrying the session id and the current
// token, optionally prefixed with a scan URL so phone cameras open it directly:
//
//	https://attend.example.edu/v1/scan?session=<id>&token=<value>
package qrpayload

import (
	"errors"
	"net/url"
	"strings"
)

var ErrMalformed = errors.New("malformed qr payload")

const (
	keySession = "session"
	keyToken   = "token"
)

// Encode returns the bare payload for a token.
func Encode(token, sessionID string) string {
	v := url.Values{}
	v.Set(keySession, sessionID)
	v.Set(keyToken, token)
	return v.Encode()
}

// EncodeURL prefixes the payload with baseURL. An empty baseURL yields the
// bare payload.
func EncodeURL(baseURL, token, sessionID string) string {
	payload := Encode(token, sessionID)
	if baseURL == "" {
		return payload
	}
	sep := "?"
	if strings.Contains(baseURL, "?") {
		sep = "&"
	}
	return baseURL + sep + payload
}

// Decode extracts the token and session id from a bare payload or a full
// scan URL.
func Decode(payload string) (token, sessionID string, err error) {
	payload = strings.TrimSpace(payload)
	if i := strings.IndexByte(payload, '?'); i >= 0 {
		payload = payload[i+1:]
	}
	if i := strings.IndexByte(payload, '#'); i >= 0 {
		payload = payload[:i]
	}
	if payload == "" {
		return "", "", ErrMalformed
	}
	v, err := url.ParseQuery(payload)
	if err != nil {
		return "", "", ErrMalformed
	}
	token = strings.TrimSpace(v.Get(keyToken))
	sessionID = strings.TrimSpace(v.Get(keySession))
	if token == "" || sessionID == "" {
		return "", "", ErrMalformed
	}
	return token, sessionID, nil
}
