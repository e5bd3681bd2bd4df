package wechatpay

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/mstgnz/nativepay/provider"
)

// nonceBytes is the entropy behind every request nonce.
const nonceBytes = 16

// Signer produces Authorization headers for outbound gateway calls.
// It keeps no per-call state: every Sign reads the clock and the entropy source afresh.
type Signer struct {
	keys    *KeyStore
	now     func() time.Time
	entropy io.Reader
}

// SignerOption customizes a Signer.
type SignerOption func(*Signer)

// WithSignerClock replaces time.Now.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithEntropy replaces crypto/rand as the nonce source.
func WithEntropy(r io.Reader) SignerOption {
	return func(s *Signer) { s.entropy = r }
}

// NewSigner creates a Signer backed by the merchant key in ks.
func NewSigner(ks *KeyStore, opts ...SignerOption) *Signer {
	s := &Signer{
		keys:    ks,
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign signs one request. rawURL may be absolute; only its path and query are signed.
func (s *Signer) Sign(method, rawURL string, body []byte) (*SignedRequest, error) {
	uri, err := canonicalURI(rawURL)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonce()
	if err != nil {
		return nil, err
	}

	req := &SignedRequest{
		Method:       method,
		CanonicalURI: uri,
		Timestamp:    strconv.FormatInt(s.now().Unix(), 10),
		Nonce:        nonce,
		Body:         string(body),
	}

	signature, err := signMessage(s.keys.SigningKey(), req.message())
	if err != nil {
		return nil, err
	}
	req.Signature = signature
	return req, nil
}

// Authorization signs a request and returns the Authorization header value.
func (s *Signer) Authorization(method, rawURL string, body []byte) (string, error) {
	req, err := s.Sign(method, rawURL, body)
	if err != nil {
		return "", err
	}
	creds := s.keys.Credentials()
	return req.Authorization(creds.MerchantID, creds.CertificateSerialNumber), nil
}

// Authorization composes the header value for this signed request.
func (r *SignedRequest) Authorization(merchantID, serialNo string) string {
	return fmt.Sprintf(`%s mchid="%s",nonce_str="%s",signature="%s",timestamp="%s",serial_no="%s"`,
		AuthScheme, merchantID, r.Nonce, r.Signature, r.Timestamp, serialNo)
}

// message is METHOD\nURI\nTIMESTAMP\nNONCE\nBODY\n.
func (r *SignedRequest) message() string {
	return r.Method + "\n" + r.CanonicalURI + "\n" + r.Timestamp + "\n" + r.Nonce + "\n" + r.Body + "\n"
}

func (s *Signer) nonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := io.ReadFull(s.entropy, buf); err != nil {
		return "", fmt.Errorf("wechatpay: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// canonicalURI strips scheme and host, keeping path and raw query.
func canonicalURI(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: parse url %q: %w", provider.ErrInvalidRequest, rawURL, err)
	}
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return uri, nil
}

func signMessage(key *rsa.PrivateKey, message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("wechatpay: sign request: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
