package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const signaturePrefix = "sha256="

// canonicalPayload builds the signed wire form. Key order and spacing are
// fixed so the signature is reproducible byte for byte.
func canonicalPayload(event string, data any, timestamp time.Time, webhookID string) ([]byte, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event name: %w", err)
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}
	tsJSON, err := json.Marshal(timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal timestamp: %w", err)
	}
	idJSON, err := json.Marshal(webhookID)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook id: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"event":`)
	buf.Write(eventJSON)
	buf.WriteString(`,"data":`)
	buf.Write(dataJSON)
	buf.WriteString(`,"timestamp":`)
	buf.Write(tsJSON)
	buf.WriteString(`,"webhookId":`)
	buf.Write(idJSON)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Sign computes the delivery signature header value for a payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(payload []byte, signature, secret string) bool {
	hexsig, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(hexsig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}
