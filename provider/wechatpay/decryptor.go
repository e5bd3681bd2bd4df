package wechatpay

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mstgnz/nativepay/provider"
)

// gcmTagSize is the length of the authentication tag trailing every ciphertext.
const gcmTagSize = 16

// Decryptor opens AEAD_AES_256_GCM webhook resources with the API v3 secret.
type Decryptor struct {
	block cipher.Block
}

// NewDecryptor creates a Decryptor. The secret must be exactly 32 bytes.
func NewDecryptor(apiSecret []byte) (*Decryptor, error) {
	if len(apiSecret) != apiSecretLength {
		return nil, configError(fmt.Sprintf("api secret must be %d bytes, got %d", apiSecretLength, len(apiSecret)))
	}

	block, err := aes.NewCipher(apiSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: create AES cipher: %w", provider.ErrConfiguration, err)
	}
	return &Decryptor{block: block}, nil
}

// Decrypt returns the plaintext of env. Any authentication failure returns
// ErrDecryption and no plaintext at all.
func (d *Decryptor) Decrypt(env NotificationEnvelope) ([]byte, error) {
	if env.Algorithm != "" && env.Algorithm != AlgorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", provider.ErrDecryption, env.Algorithm)
	}
	if env.Nonce == "" {
		return nil, fmt.Errorf("%w: missing nonce", provider.ErrDecryption)
	}

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decode ciphertext: %w", provider.ErrDecryption, err)
	}
	if len(raw) < gcmTagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than authentication tag", provider.ErrDecryption)
	}

	// Go's AEAD takes body||tag; split anyway so the layout is checked explicitly.
	body, tag := raw[:len(raw)-gcmTagSize], raw[len(raw)-gcmTagSize:]
	sealed := make([]byte, 0, len(raw))
	sealed = append(sealed, body...)
	sealed = append(sealed, tag...)

	nonce := []byte(env.Nonce)
	aead, err := cipher.NewGCMWithNonceSize(d.block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: nonce of %d bytes: %w", provider.ErrDecryption, len(nonce), err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(env.AssociatedData))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrDecryption, err)
	}
	return plaintext, nil
}

// DecryptJSON decrypts env and unmarshals the plaintext into v. A JSON error is
// reported as ErrPayloadParse, never as ErrDecryption.
func (d *Decryptor) DecryptJSON(env NotificationEnvelope, v any) error {
	plaintext, err := d.Decrypt(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: decrypted resource: %w", provider.ErrPayloadParse, err)
	}
	return nil
}
