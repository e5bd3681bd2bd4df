package wechatpay

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/mstgnz/nativepay/provider"
)

// PublicKeySource is the set of platform keys currently trusted.
type PublicKeySource interface {
	PublicKey(keyID string) (*rsa.PublicKey, error)
}

// Verifier checks gateway signatures on responses and webhooks.
type Verifier struct {
	keys PublicKeySource
}

// NewVerifier creates a Verifier over keys.
func NewVerifier(keys PublicKeySource) *Verifier {
	return &Verifier{keys: keys}
}

// Verify reports whether env was signed by the platform key it names.
// An unknown key id, a malformed signature or a mismatch all yield false.
func (v *Verifier) Verify(env VerifiedEnvelope) bool {
	if env.Timestamp == "" || env.Nonce == "" || env.Signature == "" || env.KeyID == "" {
		return false
	}

	pub, err := v.keys.PublicKey(env.KeyID)
	if err != nil || pub == nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(env.message())
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// VerifyResponse verifies headers and the raw body of a response or webhook.
func (v *Verifier) VerifyResponse(h http.Header, body []byte) error {
	env := EnvelopeFromHeaders(h, body)
	if !v.Verify(env) {
		return fmt.Errorf("%w: wechatpay: key id %q", provider.ErrSignatureVerification, env.KeyID)
	}
	return nil
}

// EnvelopeFromHeaders collects the signature headers around body.
func EnvelopeFromHeaders(h http.Header, body []byte) VerifiedEnvelope {
	return VerifiedEnvelope{
		Timestamp: h.Get(HeaderTimestamp),
		Nonce:     h.Get(HeaderNonce),
		Body:      body,
		Signature: h.Get(HeaderSignature),
		KeyID:     h.Get(HeaderSerial),
	}
}

// message is TIMESTAMP\nNONCE\nBODY\n over the exact body bytes.
func (e VerifiedEnvelope) message() []byte {
	msg := make([]byte, 0, len(e.Timestamp)+len(e.Nonce)+len(e.Body)+3)
	msg = append(msg, e.Timestamp...)
	msg = append(msg, '\n')
	msg = append(msg, e.Nonce...)
	msg = append(msg, '\n')
	msg = append(msg, e.Body...)
	msg = append(msg, '\n')
	return msg
}
