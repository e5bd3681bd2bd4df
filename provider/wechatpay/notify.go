package wechatpay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mstgnz/nativepay/provider"
)

// maxNotificationBytes caps the webhook body read from the wire.
const maxNotificationBytes = 1 << 20

// originalTypeTransaction marks a resource that decodes to a Transaction.
const originalTypeTransaction = "transaction"

// Notifier authenticates and decrypts inbound webhooks.
type Notifier struct {
	verifier  *Verifier
	decryptor *Decryptor
	maxSkew   time.Duration
	now       func() time.Time
}

// NotifierOption customizes a Notifier.
type NotifierOption func(*Notifier)

// WithMaxClockSkew rejects webhooks whose signed timestamp is further than d
// from the local clock. Zero disables the check.
func WithMaxClockSkew(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.maxSkew = d }
}

// WithNotifierClock replaces time.Now.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *Notifier) { n.now = now }
}

// NewNotifier creates a Notifier for the merchant in ks.
func NewNotifier(ks *KeyStore, opts ...NotifierOption) (*Notifier, error) {
	if ks == nil {
		return nil, configError("key store is required")
	}
	decryptor, err := NewDecryptor([]byte(ks.Credentials().APISecret))
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		verifier:  NewVerifier(ks),
		decryptor: decryptor,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// VerifyAndDecrypt authenticates a webhook and returns its decrypted event.
// Errors wrap ErrSignatureVerification, ErrDecryption or ErrPayloadParse.
func (n *Notifier) VerifyAndDecrypt(h http.Header, rawBody []byte) (*Notification, error) {
	if err := n.verifier.VerifyResponse(h, rawBody); err != nil {
		return nil, err
	}
	if err := n.checkFreshness(h.Get(HeaderTimestamp)); err != nil {
		return nil, err
	}

	var event Notification
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("%w: wechatpay: notification body: %w", provider.ErrPayloadParse, err)
	}
	if event.Resource.Ciphertext == "" {
		return nil, fmt.Errorf("%w: wechatpay: notification has no encrypted resource", provider.ErrPayloadParse)
	}

	plaintext, err := n.decryptor.Decrypt(event.Resource)
	if err != nil {
		return nil, fmt.Errorf("wechatpay: notification %s: %w", event.ID, err)
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: wechatpay: notification %s resource is not JSON", provider.ErrPayloadParse, event.ID)
	}
	event.Plaintext = json.RawMessage(plaintext)

	if event.Resource.OriginalType == originalTypeTransaction {
		var tx Transaction
		if err := json.Unmarshal(plaintext, &tx); err != nil {
			return nil, fmt.Errorf("%w: wechatpay: notification %s transaction: %w", provider.ErrPayloadParse, event.ID, err)
		}
		event.Transaction = &tx
	}
	return &event, nil
}

// ParseRequest reads a webhook request body and hands it to VerifyAndDecrypt.
func (n *Notifier) ParseRequest(r *http.Request) (*Notification, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: wechatpay: read notification: %w", provider.ErrPayloadParse, err)
	}
	if len(body) > maxNotificationBytes {
		return nil, fmt.Errorf("%w: wechatpay: notification larger than %d bytes", provider.ErrPayloadParse, maxNotificationBytes)
	}
	return n.VerifyAndDecrypt(r.Header, body)
}

func (n *Notifier) checkFreshness(timestamp string) error {
	if n.maxSkew <= 0 {
		return nil
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: wechatpay: timestamp %q", provider.ErrSignatureVerification, timestamp)
	}
	skew := n.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > n.maxSkew {
		return fmt.Errorf("%w: wechatpay: timestamp outside %s window", provider.ErrSignatureVerification, n.maxSkew)
	}
	return nil
}
