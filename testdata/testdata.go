package testdata

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"time"
)

func removeSpaces(b []byte) []byte {
	for i := 0; i < len(b); {
		idx := bytes.IndexAny(b[i:], "\r\n\t ")
		if idx < 0 {
			break
		}
		i += idx
		copy(b[i:], b[i+1:])
		b = b[:len(b)-1]
	}
	return b
}

func DecodeHex(str string) []byte {
	data := removeSpaces([]byte(str))
	n, err := hex.Decode(data, data)
	if err != nil {
		panic(err)
	}
	return data[:n]
}

// Key algorithms accepted by NewCertificate.
const (
	Ed25519   = "ed25519"
	ECDSAP256 = "ecdsa-p256"
	RSA2048   = "rsa-2048"
)

// NewCertificate generates a self-signed certificate for the given host names.
// It panics on failure.
func NewCertificate(algorithm string, hosts ...string) tls.Certificate {
	cert, err := GenerateCertificate(algorithm, time.Hour, hosts...)
	if err != nil {
		panic(err)
	}
	return cert
}

// GenerateCertificate creates a self-signed certificate valid from now for the given duration.
func GenerateCertificate(algorithm string, validFor time.Duration, hosts ...string) (tls.Certificate, error) {
	var priv crypto.Signer
	var err error
	switch algorithm {
	case ECDSAP256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case RSA2048:
		priv, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"tlspump"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              hosts,
	}
	if len(hosts) > 0 {
		template.Subject.CommonName = hosts[0]
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}
