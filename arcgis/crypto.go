package arcgis

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
)

// CryptoProvider encrypts the credential fields of a token request with a
// server supplied RSA public key.
type CryptoProvider interface {
	Encrypt(req *GenerateToken, exponent, modulus []byte) (*GenerateToken, error)
}

// RSAEncrypter encrypts each field with RSA PKCS #1 v1.5 and hex encodes
// the result. ArcGIS Server publishes 512 bit keys, which crypto/rsa
// refuses, so the padding and modular exponentiation are done here.
type RSAEncrypter struct {
	// Rand is the padding entropy source. Defaults to crypto/rand.
	Rand io.Reader
}

var _ CryptoProvider = (*RSAEncrypter)(nil)

// Encrypt returns a copy of req with Ciphertext set. Requests that are
// already encrypted are returned unchanged.
func (e *RSAEncrypter) Encrypt(req *GenerateToken, exponent, modulus []byte) (*GenerateToken, error) {
	if req == nil {
		return nil, errors.New("encrypting token request: nil request")
	}

	if req.Encrypted() {
		return req, nil
	}

	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("encrypting token request: %w", ErrMissingCredentials)
	}

	n := new(big.Int).SetBytes(modulus)
	exp := new(big.Int).SetBytes(exponent)

	if n.Sign() <= 0 || exp.Sign() <= 0 {
		return nil, errors.New("encrypting token request: invalid public key")
	}

	rnd := e.Rand
	if rnd == nil {
		rnd = rand.Reader
	}

	enc := func(field, value string) (string, error) {
		if value == "" {
			return "", nil
		}

		ct, err := encryptPKCS1v15(rnd, n, exp, []byte(value))
		if err != nil {
			return "", fmt.Errorf("encrypting %s: %w", field, err)
		}

		return hex.EncodeToString(ct), nil
	}

	var (
		ct  EncryptedCredentials
		err error
	)

	if ct.Username, err = enc("username", req.Username); err != nil {
		return nil, err
	}

	if ct.Password, err = enc("password", req.Password); err != nil {
		return nil, err
	}

	if ct.Expiration, err = enc("expiration", strconv.Itoa(req.ExpirationMinutes)); err != nil {
		return nil, err
	}

	if ct.Client, err = enc("client", req.Client()); err != nil {
		return nil, err
	}

	if ct.Referer, err = enc("referer", req.Referer()); err != nil {
		return nil, err
	}

	out := *req
	out.Ciphertext = &ct
	out.DontForceHTTPS = false

	return &out, nil
}

// encryptPKCS1v15 pads msg as EM = 0x00 || 0x02 || PS || 0x00 || msg with
// a non-zero random PS and raises it to exp modulo n.
func encryptPKCS1v15(rnd io.Reader, n, exp *big.Int, msg []byte) ([]byte, error) {
	k := (n.BitLen() + 7) / 8
	if len(msg) > k-11 {
		return nil, fmt.Errorf("message of %d bytes too long for %d bit key", len(msg), n.BitLen())
	}

	em := make([]byte, k)
	em[1] = 2

	ps := em[2 : k-len(msg)-1]
	if err := nonZeroRandomBytes(ps, rnd); err != nil {
		return nil, err
	}

	copy(em[k-len(msg):], msg)

	m := new(big.Int).SetBytes(em)
	c := new(big.Int).Exp(m, exp, n)

	return c.FillBytes(make([]byte, k)), nil
}

func nonZeroRandomBytes(s []byte, rnd io.Reader) error {
	if _, err := io.ReadFull(rnd, s); err != nil {
		return fmt.Errorf("reading random padding: %w", err)
	}

	for i := range s {
		for s[i] == 0 {
			if _, err := io.ReadFull(rnd, s[i:i+1]); err != nil {
				return fmt.Errorf("reading random padding: %w", err)
			}
		}
	}

	return nil
}

// PublicKeyResponse is the reply of admin/publicKey. Both values are hex.
type PublicKeyResponse struct {
	PortalResponse

	PublicKey string `json:"publicKey"`
	Modulus   string `json:"modulus"`
}

// Key decodes the exponent and modulus.
func (r *PublicKeyResponse) Key() (exponent, modulus []byte, err error) {
	if r.PublicKey == "" || r.Modulus == "" {
		return nil, nil, errors.New("public key response is missing key material")
	}

	if exponent, err = hexToBytes(r.PublicKey); err != nil {
		return nil, nil, fmt.Errorf("decoding public key exponent: %w", err)
	}

	if modulus, err = hexToBytes(r.Modulus); err != nil {
		return nil, nil, fmt.Errorf("decoding public key modulus: %w", err)
	}

	return exponent, modulus, nil
}

// hexToBytes decodes hex, padding an odd length with a leading zero.
func hexToBytes(s string) ([]byte, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}

	return hex.DecodeString(s)
}
