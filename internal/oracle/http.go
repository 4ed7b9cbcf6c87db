package oracle

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultSubmitTimeout = 10 * time.Second

	HeaderSignature = "X-Gigescrow-Signature"
	HeaderRequestID = "X-Gigescrow-Request"
)

// HTTPPort posts requests as JSON to a verifier endpoint. Submit runs while
// the engine holds its write lock and the verification transaction, so the
// verifier must acknowledge before it calls back: a callback sent before the
// 2xx response waits on that lock, and if the submit then times out the
// request is rolled back and the callback is rejected as unknown.
type HTTPPort struct {
	Endpoint string
	Secret   string
	Timeout  time.Duration
	Client   *http.Client
}

func (p HTTPPort) Submit(ctx context.Context, r Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	client := p.Client
	if client == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = defaultSubmitTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderRequestID, r.RequestID.Hex())
	if strings.TrimSpace(p.Secret) != "" {
		req.Header.Set(HeaderSignature, Sign(p.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header produced by Sign.
func VerifySignature(secret string, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
