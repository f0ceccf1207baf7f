package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/awnumar/memguard"
)

const wsPath = "/trade-api/ws/v2"

const (
	headerKey       = "KALSHI-ACCESS-KEY"
	headerTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	headerSignature = "KALSHI-ACCESS-SIGNATURE"
)

var errNotRSA = errors.New("kalshi: private key is not RSA")

// parseKey accepts PKCS#8 ("PRIVATE KEY") and PKCS#1 ("RSA PRIVATE KEY")
// PEM blocks. Kalshi hands out the latter.
func parseKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("kalshi: no PEM block in private key")
	}
	if block.Type == "RSA PRIVATE KEY" {
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("kalshi: parse PKCS#1 key: %w", err)
		}
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse PKCS#8 key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errNotRSA
	}
	return rk, nil
}

// sign returns the base64 RSA-PSS signature Kalshi expects over
// timestamp+method+path.
func sign(key *rsa.PrivateKey, ts, method, path string) (string, error) {
	digest := sha256.Sum256([]byte(ts + method + path))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return "", fmt.Errorf("kalshi: sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Credentials signs the WebSocket upgrade. The PEM key stays encrypted in
// a memguard Enclave and is decrypted only for the duration of a signature.
type Credentials struct {
	apiKey  string
	enclave *memguard.Enclave
	now     func() time.Time
}

// NewCredentials seals privateKeyPEM into an Enclave and wipes the
// caller's buffer.
func NewCredentials(apiKey string, privateKeyPEM []byte) *Credentials {
	return &Credentials{
		apiKey:  apiKey,
		enclave: memguard.NewEnclave(privateKeyPEM),
		now:     time.Now,
	}
}

// Headers returns freshly signed upgrade headers. The signature covers a
// millisecond timestamp, so every dial needs its own.
func (c *Credentials) Headers() (http.Header, error) {
	buf, err := c.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("kalshi: open key enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := parseKey(buf.Bytes())
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	sig, err := sign(key, ts, http.MethodGet, wsPath)
	if err != nil {
		return nil, err
	}

	h := make(http.Header, 3)
	h.Set(headerKey, c.apiKey)
	h.Set(headerTimestamp, ts)
	h.Set(headerSignature, sig)
	return h, nil
}
