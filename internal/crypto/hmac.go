package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// APIAuth holds relayer API credentials. Each request carries an
// HMAC-SHA256 of timestamp+method+path+body keyed by Secret.
type APIAuth struct {
	Key    string
	Secret string
}

// Headers returns the authentication headers for a request sent now.
func (a APIAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (a APIAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(ts + method + path + body))

	return map[string]string{
		"X-Api-Key":   a.Key,
		"X-Timestamp": ts,
		"X-Signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (a APIAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("APIAuth{key=%s, secret=%s}", redact(a.Key), redact(a.Secret))
}
