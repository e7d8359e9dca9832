package telephony

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxResponseBytes = 1 << 20
	maxErrorBytes    = 512
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends body as JSON with a bearer token. A non-nil error means
// the request never produced an HTTP response.
func postJSON(ctx context.Context, client *http.Client, url, token string, body any) (int, []byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func vendorError(vendor string, status int, body []byte) string {
	return fmt.Sprintf("%s: http %d: %s", vendor, status, truncate(strings.TrimSpace(string(body)), maxErrorBytes))
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(secret string, body []byte, signature string, allowUnsigned bool) bool {
	if secret == "" {
		return allowUnsigned
	}
	sig := strings.TrimSpace(strings.TrimPrefix(signature, "sha256="))
	if sig == "" {
		return false
	}
	return hmac.Equal([]byte(hmacHex(secret, body)), []byte(strings.ToLower(sig)))
}

func verifySharedSecret(secret, presented string, allowUnsigned bool) bool {
	if secret == "" {
		return allowUnsigned
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1
}
