package wechatpay

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testMerchantID   = "1900009191"
	testSerialNo     = "5157F09EFDC096DE15EBE81A47057A7232F1B8E1"
	testAppID        = "wxd678efh567hg6787"
	testAPISecret    = "a7cde1ZJB1kG2e7VfTs3jQzaWizur8Gb"
	testPlatformID   = "PUB_KEY_ID_0114232134912410000000000000"
	testRotatedID    = "PUB_KEY_ID_0114232134912410000000000001"
	testNotifyURL    = "https://merchant.example.com/webhooks/wechatpay"
	testGCMNonce     = "fdasflkja484"
	testAssociatedAD = "transaction"
)

var (
	keysOnce    sync.Once
	merchantKey *rsa.PrivateKey
	platformKey *rsa.PrivateKey
	rotatedKey  *rsa.PrivateKey
)

// testKeys generates the package's RSA keys once; 2048-bit generation is slow.
func testKeys(t *testing.T) (merchant, platform, rotated *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		if merchantKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if platformKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if rotatedKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return merchantKey, platformKey, rotatedKey
}

func testCredentials() MerchantCredentials {
	return MerchantCredentials{
		MerchantID:              testMerchantID,
		CertificateSerialNumber: testSerialNo,
		APISecret:               testAPISecret,
		AppID:                   testAppID,
		NotifyURL:               testNotifyURL,
	}
}

// newTestKeyStore trusts the platform key and the rotated key.
func newTestKeyStore(t *testing.T) *KeyStore {
	t.Helper()
	merchant, platform, rotated := testKeys(t)
	ks, err := NewKeyStoreFromKeys(testCredentials(), merchant, map[string]*rsa.PublicKey{
		testPlatformID: &platform.PublicKey,
		testRotatedID:  &rotated.PublicKey,
	})
	require.NoError(t, err)
	return ks
}

func writePEM(t *testing.T, dir, name, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func selfSignedCert(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Tenpay.com Root CA"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return der
}

// gatewaySign signs TIMESTAMP\nNONCE\nBODY\n the way the platform does.
func gatewaySign(t *testing.T, key *rsa.PrivateKey, timestamp, nonce string, body []byte) string {
	t.Helper()
	msg := timestamp + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

// signedHeaders returns gateway signature headers for body, stamped now.
func signedHeaders(t *testing.T, key *rsa.PrivateKey, keyID string, body []byte) http.Header {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := "593BEC0C930BF1AFEB40B4A08C8FB242"
	h := http.Header{}
	h.Set(HeaderTimestamp, timestamp)
	h.Set(HeaderNonce, nonce)
	h.Set(HeaderSignature, gatewaySign(t, key, timestamp, nonce, body))
	h.Set(HeaderSerial, keyID)
	h.Set(HeaderRequestID, "08F78BB5AF0610D302A9D0D12A4B-0")
	return h
}

// sealResource encrypts plaintext as the gateway does: base64(body||tag).
func sealResource(t *testing.T, secret, nonce, aad string, plaintext []byte) string {
	t.Helper()
	block, err := aes.NewCipher([]byte(secret))
	require.NoError(t, err)
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(aead.Seal(nil, []byte(nonce), plaintext, []byte(aad)))
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}
