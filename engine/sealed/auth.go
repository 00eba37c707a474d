// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sealed

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"hash"
	"io"

	"github.com/pkg/errors"
)

// Signature algorithms.
const (
	signatureRSAPSS uint8 = iota + 1
	signatureECDSA
	signatureEd25519
)

// directSigning is a standard Hash value that signals that no pre-hashing
// should be performed, and that the input should be signed directly. It is the
// hash function associated with the Ed25519 signature scheme.
var directSigning crypto.Hash = 0

// verifyHandshakeSignature verifies a signature against pre-hashed
// (if required) handshake contents.
func verifyHandshakeSignature(sigType uint8, pubkey crypto.PublicKey, hashFunc crypto.Hash, signed, sig []byte) error {
	switch sigType {
	case signatureECDSA:
		pubKey, ok := pubkey.(*ecdsa.PublicKey)
		if !ok {
			return errors.New("sealed: ECDSA signing requires a ECDSA public key")
		}
		if !ecdsa.VerifyASN1(pubKey, signed, sig) {
			return errors.New("sealed: ECDSA verification failure")
		}
	case signatureEd25519:
		pubKey, ok := pubkey.(ed25519.PublicKey)
		if !ok {
			return errors.New("sealed: Ed25519 signing requires a Ed25519 public key")
		}
		if !ed25519.Verify(pubKey, signed, sig) {
			return errors.New("sealed: Ed25519 verification failure")
		}
	case signatureRSAPSS:
		pubKey, ok := pubkey.(*rsa.PublicKey)
		if !ok {
			return errors.New("sealed: RSA signing requires a RSA public key")
		}
		signOpts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}
		if err := rsa.VerifyPSS(pubKey, hashFunc, signed, sig, signOpts); err != nil {
			return errors.Wrap(err, "sealed: RSA-PSS verification failure")
		}
	default:
		return errors.New("sealed: unknown signature algorithm")
	}
	return nil
}

const (
	serverSignatureContext = "sealed, server CertificateVerify\x00"
	clientSignatureContext = "sealed, client CertificateVerify\x00"
)

var signaturePadding = bytes.Repeat([]byte{0x20}, 64)

// signedMessage returns the pre-hashed (if necessary) message to be signed by
// certificate keys. See RFC 8446, Section 4.4.3.
func signedMessage(sigHash crypto.Hash, context string, transcript hash.Hash) []byte {
	if sigHash == directSigning {
		b := &bytes.Buffer{}
		b.Write(signaturePadding)
		io.WriteString(b, context)
		b.Write(transcript.Sum(nil))
		return b.Bytes()
	}
	h := sigHash.New()
	h.Write(signaturePadding)
	io.WriteString(h, context)
	h.Write(transcript.Sum(nil))
	return h.Sum(nil)
}

// typeAndHashFromSignatureScheme returns the signature algorithm and hash
// function for a given SignatureScheme.
func typeAndHashFromSignatureScheme(scheme tls.SignatureScheme) (uint8, crypto.Hash, error) {
	switch scheme {
	case tls.PSSWithSHA256:
		return signatureRSAPSS, crypto.SHA256, nil
	case tls.PSSWithSHA384:
		return signatureRSAPSS, crypto.SHA384, nil
	case tls.PSSWithSHA512:
		return signatureRSAPSS, crypto.SHA512, nil
	case tls.ECDSAWithP256AndSHA256:
		return signatureECDSA, crypto.SHA256, nil
	case tls.ECDSAWithP384AndSHA384:
		return signatureECDSA, crypto.SHA384, nil
	case tls.ECDSAWithP521AndSHA512:
		return signatureECDSA, crypto.SHA512, nil
	case tls.Ed25519:
		return signatureEd25519, directSigning, nil
	default:
		return 0, 0, fmt.Errorf("sealed: unsupported signature algorithm: %#04x", uint16(scheme))
	}
}

// signatureSchemesForCertificate returns the list of supported SignatureSchemes
// for a given certificate, based on the public key.
func signatureSchemesForCertificate(cert *tls.Certificate) []tls.SignatureScheme {
	priv, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return nil
	}

	switch pub := priv.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve {
		case elliptic.P256():
			return []tls.SignatureScheme{tls.ECDSAWithP256AndSHA256}
		case elliptic.P384():
			return []tls.SignatureScheme{tls.ECDSAWithP384AndSHA384}
		case elliptic.P521():
			return []tls.SignatureScheme{tls.ECDSAWithP521AndSHA512}
		default:
			return nil
		}
	case *rsa.PublicKey:
		return []tls.SignatureScheme{
			tls.PSSWithSHA256,
			tls.PSSWithSHA384,
			tls.PSSWithSHA512,
		}
	case ed25519.PublicKey:
		return []tls.SignatureScheme{tls.Ed25519}
	default:
		return nil
	}
}

// unsupportedCertificateError returns a helpful error for certificates with
// an unsupported private key.
func unsupportedCertificateError(cert *tls.Certificate) error {
	switch cert.PrivateKey.(type) {
	case rsa.PrivateKey, ecdsa.PrivateKey:
		return fmt.Errorf("sealed: unsupported certificate: private key is %T, expected *%T",
			cert.PrivateKey, cert.PrivateKey)
	case *ed25519.PrivateKey:
		return fmt.Errorf("sealed: unsupported certificate: private key is *ed25519.PrivateKey, expected ed25519.PrivateKey")
	}

	signer, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		return fmt.Errorf("sealed: certificate private key (%T) does not implement crypto.Signer",
			cert.PrivateKey)
	}

	switch pub := signer.Public().(type) {
	case *ecdsa.PublicKey:
		return fmt.Errorf("sealed: unsupported certificate curve (%s)", pub.Curve.Params().Name)
	default:
		return fmt.Errorf("sealed: unsupported certificate key (%T)", pub)
	}
}

// signHandshake signs the transcript with the certificate key.
func signHandshake(rand io.Reader, cert *tls.Certificate, context string, transcript hash.Hash) (tls.SignatureScheme, []byte, error) {
	schemes := signatureSchemesForCertificate(cert)
	if len(schemes) == 0 {
		return 0, nil, unsupportedCertificateError(cert)
	}
	scheme := schemes[0]
	sigType, sigHash, err := typeAndHashFromSignatureScheme(scheme)
	if err != nil {
		return 0, nil, err
	}
	signed := signedMessage(sigHash, context, transcript)
	var signOpts crypto.SignerOpts = sigHash
	if sigType == signatureRSAPSS {
		signOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: sigHash}
	}
	sig, err := cert.PrivateKey.(crypto.Signer).Sign(rand, signed, signOpts)
	if err != nil {
		return 0, nil, errors.Wrap(err, "sealed: failed to sign handshake")
	}
	return scheme, sig, nil
}
