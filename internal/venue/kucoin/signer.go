// Package kucoin implements the KuCoin market/level2 venue client
// described in spec.md §4.2.E, grounded on original_source's
// live_price_kucoin_ws.py and kcsign.py.
package kucoin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Signer holds the three-secret capability described in spec.md §9's
// Design Notes: "the KuCoin signer is a small capability... its only
// state is the three secret strings." Grounded on original_source's
// KcSigner (kcsign.py), itself restructured in the shape of the teacher's
// internal/vault credential objects: plain data, no behavior beyond
// producing the signed headers KuCoin's REST API requires.
type Signer struct {
	apiKey        string
	apiSecret     string
	apiPassphrase string
}

// NewSigner builds a Signer from the three KuCoin credential fields.
func NewSigner(apiKey, apiSecret, apiPassphrase string) *Signer {
	return &Signer{apiKey: apiKey, apiSecret: apiSecret, apiPassphrase: apiPassphrase}
}

func (s *Signer) sign(plain string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(plain))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Headers returns the five KC-API-* headers KuCoin's REST API requires
// for a signed request to method+path with the given body (empty string
// for GET requests with no body), per spec.md §6.
func (s *Signer) Headers(method, path, body string) map[string]string {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	plain := timestamp + method + path + body

	return map[string]string{
		"KC-API-KEY":         s.apiKey,
		"KC-API-SIGN":        s.sign(plain),
		"KC-API-TIMESTAMP":   timestamp,
		"KC-API-PASSPHRASE":  s.sign(s.apiPassphrase),
		"KC-API-KEY-VERSION": "3",
	}
}
