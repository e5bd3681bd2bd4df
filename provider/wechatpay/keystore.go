package wechatpay

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mstgnz/nativepay/provider"
)

var validate = validator.New()

// KeyStore holds the merchant identity, the merchant signing key and the set of
// platform public keys that are currently trusted. It is immutable once built
// and safe for concurrent use without locking.
type KeyStore struct {
	creds        MerchantCredentials
	signingKey   *rsa.PrivateKey
	platformKeys map[string]*rsa.PublicKey
}

// NewKeyStore loads every key named by creds. Any missing or malformed piece
// fails the whole construction; there is no partially configured KeyStore.
func NewKeyStore(creds MerchantCredentials) (*KeyStore, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}

	if creds.PrivateKeyPath == "" {
		return nil, configError("private key path is required")
	}
	signingKey, err := loadPrivateKey(creds.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	if len(creds.PlatformKeys) == 0 {
		return nil, configError("at least one platform public key is required")
	}
	platformKeys := make(map[string]*rsa.PublicKey, len(creds.PlatformKeys))
	for keyID, path := range creds.PlatformKeys {
		keyID = strings.TrimSpace(keyID)
		if keyID == "" {
			return nil, configError("platform key id must not be empty")
		}
		pub, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("platform key %s: %w", keyID, err)
		}
		platformKeys[keyID] = pub
	}

	return &KeyStore{
		creds:        copyCredentials(creds),
		signingKey:   signingKey,
		platformKeys: platformKeys,
	}, nil
}

// NewKeyStoreFromKeys builds a KeyStore from keys the caller already holds,
// for example keys fetched from a secret manager. File paths in creds are ignored.
func NewKeyStoreFromKeys(creds MerchantCredentials, signingKey *rsa.PrivateKey, platformKeys map[string]*rsa.PublicKey) (*KeyStore, error) {
	if err := validateCredentials(creds); err != nil {
		return nil, err
	}
	if signingKey == nil {
		return nil, configError("signing key is required")
	}
	if err := checkKeySize(signingKey.N.BitLen()); err != nil {
		return nil, err
	}
	if len(platformKeys) == 0 {
		return nil, configError("at least one platform public key is required")
	}

	keys := make(map[string]*rsa.PublicKey, len(platformKeys))
	for keyID, pub := range platformKeys {
		if keyID == "" || pub == nil {
			return nil, configError("platform keys need a non-empty id and a key")
		}
		if err := checkKeySize(pub.N.BitLen()); err != nil {
			return nil, fmt.Errorf("platform key %s: %w", keyID, err)
		}
		keys[keyID] = pub
	}

	return &KeyStore{
		creds:        copyCredentials(creds),
		signingKey:   signingKey,
		platformKeys: keys,
	}, nil
}

// Credentials returns a copy of the merchant credentials.
func (ks *KeyStore) Credentials() MerchantCredentials {
	return copyCredentials(ks.creds)
}

// SigningKey returns the merchant private key.
func (ks *KeyStore) SigningKey() *rsa.PrivateKey {
	return ks.signingKey
}

// PublicKey returns the platform key registered under keyID, or ErrUnknownKeyID.
func (ks *KeyStore) PublicKey(keyID string) (*rsa.PublicKey, error) {
	pub, ok := ks.platformKeys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnknownKeyID, keyID)
	}
	return pub, nil
}

// KeyIDs lists the trusted platform key ids in sorted order.
func (ks *KeyStore) KeyIDs() []string {
	ids := make([]string, 0, len(ks.platformKeys))
	for id := range ks.platformKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func validateCredentials(creds MerchantCredentials) error {
	if err := validate.Struct(creds); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return configError("invalid merchant credentials: " + strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %w", provider.ErrConfiguration, err)
	}
	// validator counts runes; the AES key needs bytes.
	if len(creds.APISecret) != apiSecretLength {
		return configError(fmt.Sprintf("api secret must be %d bytes, got %d", apiSecretLength, len(creds.APISecret)))
	}
	return nil
}

func copyCredentials(creds MerchantCredentials) MerchantCredentials {
	if creds.PlatformKeys != nil {
		paths := make(map[string]string, len(creds.PlatformKeys))
		for k, v := range creds.PlatformKeys {
			paths[k] = v
		}
		creds.PlatformKeys = paths
	}
	return creds
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, configError(fmt.Sprintf("parse PKCS#8 private key %s: %v", path, err))
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, configError(fmt.Sprintf("private key %s is not RSA", path))
		}
		key = rsaKey
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, configError(fmt.Sprintf("parse PKCS#1 private key %s: %v", path, err))
		}
	default:
		return nil, configError(fmt.Sprintf("unexpected PEM block %q in %s", block.Type, path))
	}

	if err := checkKeySize(key.N.BitLen()); err != nil {
		return nil, err
	}
	return key, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	block, err := readPEM(path)
	if err != nil {
		return nil, err
	}

	var pub any
	switch block.Type {
	case "PUBLIC KEY":
		pub, err = x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			pub = cert.PublicKey
		}
	default:
		return nil, configError(fmt.Sprintf("unexpected PEM block %q in %s", block.Type, path))
	}
	if err != nil {
		return nil, configError(fmt.Sprintf("parse public key %s: %v", path, err))
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, configError(fmt.Sprintf("public key %s is not RSA", path))
	}
	if err := checkKeySize(rsaPub.N.BitLen()); err != nil {
		return nil, err
	}
	return rsaPub, nil
}

func readPEM(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read key file: %w", provider.ErrConfiguration, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, configError(fmt.Sprintf("no PEM data in %s", path))
	}
	return block, nil
}

func checkKeySize(bits int) error {
	if bits < minRSAKeyBits {
		return configError(fmt.Sprintf("RSA key is %d bits, need at least %d", bits, minRSAKeyBits))
	}
	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: wechatpay: %s", provider.ErrConfiguration, msg)
}
