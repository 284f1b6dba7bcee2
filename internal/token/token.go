// Package token signs the tracking tokens embedded in impression and click
// URLs so event callbacks can be attributed to a delivery.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// nowFn is swapped in tests.
var nowFn = time.Now

// Tracking identifies one delivered ad.
type Tracking struct {
	RequestID  string `json:"r"`
	AdID       string `json:"a"`
	CampaignID string `json:"c"`
	CompanyID  string `json:"co,omitempty"`
	UserID     string `json:"u,omitempty"`
	SessionID  string `json:"s,omitempty"`
	Variant    string `json:"v,omitempty"`
	Position   int    `json:"p"`
	// Issued is set by Generate.
	Issued int64 `json:"t"`
}

// IssuedAt returns the token creation time.
func (t Tracking) IssuedAt() time.Time { return time.Unix(t.Issued, 0) }

// Generate creates a signed token for the given tracking data.
func Generate(tr Tracking, secret []byte) (string, error) {
	tr.Issued = nowFn().Unix()
	data, err := json.Marshal(tr)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := mac.Sum(nil)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sig), nil
}

// Verify checks the token integrity and expiry and returns its payload. A
// ttl of zero disables the expiry check.
func Verify(token string, secret []byte, ttl time.Duration) (Tracking, error) {
	var out Tracking
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return out, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return out, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return out, ErrInvalid
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	if !hmac.Equal(mac.Sum(nil), sig) {
		return out, ErrInvalid
	}

	if err := json.Unmarshal(data, &out); err != nil {
		return Tracking{}, ErrInvalid
	}
	if ttl > 0 && nowFn().Sub(out.IssuedAt()) > ttl {
		return Tracking{}, ErrExpired
	}
	return out, nil
}
