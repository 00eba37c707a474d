// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sealed

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
)

const (
	maxPlaintext    = 16384       // maximum plaintext payload length
	maxCiphertext   = 16384 + 256 // maximum ciphertext payload length
	recordHeaderLen = 3           // record header length
	maxHandshake    = 65536       // maximum handshake we support
	randomLen       = 32
)

// Outer record types.
type recordType uint8

const (
	recordTypeAlert     recordType = 0x15
	recordTypeHandshake recordType = 0x16
	recordTypeProtected recordType = 0x17
)

// Content types carried inside a protected record.
type contentType uint8

const (
	contentAlert     contentType = 1
	contentHandshake contentType = 2
	contentData      contentType = 3
)

// Handshake message types.
const (
	typeClientHello         uint8 = 1
	typeServerHello         uint8 = 2
	typeEncryptedExtensions uint8 = 8
	typeCertificate         uint8 = 11
	typeCertificateVerify   uint8 = 15
	typeFinished            uint8 = 20
	typeKeyUpdate           uint8 = 24
)

const (
	keyLogLabelClientHandshake = "CLIENT_HANDSHAKE_TRAFFIC_SECRET"
	keyLogLabelServerHandshake = "SERVER_HANDSHAKE_TRAFFIC_SECRET"
	keyLogLabelClientTraffic   = "CLIENT_TRAFFIC_SECRET_0"
	keyLogLabelServerTraffic   = "SERVER_TRAFFIC_SECRET_0"
)

func requiresClientCert(c tls.ClientAuthType) bool {
	switch c {
	case tls.RequireAnyClientCert, tls.RequireAndVerifyClientCert:
		return true
	default:
		return false
	}
}

// configRand is a replacement for tls.Config.rand.
func configRand(c *tls.Config) io.Reader {
	r := c.Rand
	if r == nil {
		return rand.Reader
	}
	return r
}

// configCipherSuites is a replacement for tls.Config.cipherSuites.
func configCipherSuites(c *tls.Config) []uint16 {
	s := c.CipherSuites
	if s == nil {
		s = defaultCipherSuites()
	}
	return s
}

// configWriteKeyLog is a replacement for tls.Config.writeKeyLog.
func configWriteKeyLog(c *tls.Config, label string, clientRandom, secret []byte) error {
	if c.KeyLogWriter == nil {
		return nil
	}

	logLine := []byte(fmt.Sprintf("%s %x %x\n", label, clientRandom, secret))

	writerMutex.Lock()
	_, err := c.KeyLogWriter.Write(logLine)
	writerMutex.Unlock()

	return err
}

// writerMutex protects all KeyLogWriters globally. It is rarely enabled,
// and is only for debugging, so a global mutex saves space.
var writerMutex sync.Mutex

// negotiateALPN picks the shared application protocol, preferring the server order.
func negotiateALPN(serverProtos, clientProtos []string) (string, error) {
	if len(serverProtos) == 0 || len(clientProtos) == 0 {
		return "", nil
	}
	for _, s := range serverProtos {
		for _, c := range clientProtos {
			if s == c {
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("sealed: client requested unsupported application protocols (%s)", clientProtos)
}

func unexpectedMessageError(wanted, got interface{}) error {
	return fmt.Errorf("sealed: received unexpected handshake message of type %T when waiting for %T", got, wanted)
}
