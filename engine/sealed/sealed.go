// Package sealed implements a record engine with authenticated key exchange.
//
// The handshake follows the shape of TLS 1.3 on a reduced wire format:
// X25519 key shares, an HKDF key schedule, certificate authentication over the
// handshake transcript and AEAD record protection with per-direction sequence
// numbers. Key updates provide renegotiation. Records are framed as
// type(1) | length(2) | payload and the engine requests exactly the bytes of
// the next header or body, so the transport is never read past a record.
//
// Certificate chains are not validated. Use tls.Config.VerifyPeerCertificate
// to apply a trust policy.
package sealed

import (
	"crypto/hmac"
	"crypto/x509"
	"hash"
	"io"

	"github.com/pkg/errors"

	"github.com/goburrow/tlspump/engine"
)

// Protocol is the name reported in the connection state.
const Protocol = "sealed/1"

// Version is the wire version reported in the connection state.
const Version uint16 = 0x5301

type stage uint8

const (
	stageStart stage = iota
	stageClientWaitServerHello
	stageClientWaitEncryptedExtensions
	stageClientWaitCertificate
	stageClientWaitCertificateVerify
	stageClientWaitFinished
	stageServerWaitClientHello
	stageServerWaitCertificate
	stageServerWaitCertificateVerify
	stageServerWaitFinished
	stageEstablished
	stageKeyUpdate
)

// handshakeState holds secrets only needed until the handshake completes.
type handshakeState struct {
	privateKey []byte
	// transcript is created once the cipher suite is known. Messages sent or
	// received before that are kept in transcriptBuf.
	transcript    hash.Hash
	transcriptBuf []byte

	certRequested   bool
	handshakeSecret []byte
	masterSecret    []byte
	clientSecret    []byte // handshake traffic secrets
	serverSecret    []byte
	clientAppSecret []byte
	serverAppSecret []byte
}

func (hs *handshakeState) addTranscript(m handshakeMessage) {
	if hs.transcript == nil {
		hs.transcriptBuf = append(hs.transcriptBuf, m.marshal()...)
		return
	}
	hs.transcript.Write(m.marshal())
}

func (hs *handshakeState) initTranscript(suite *cipherSuite) {
	hs.transcript = suite.hash.New()
	hs.transcript.Write(hs.transcriptBuf)
	hs.transcriptBuf = nil
}

// StartHandshake queues the client hello. The server waits for it.
func (c *Conn) StartHandshake() error {
	if c.stage != stageStart {
		return errors.New("sealed: handshake already started")
	}
	c.hs = &handshakeState{}
	if c.isServer {
		c.stage = stageServerWaitClientHello
		return nil
	}
	return c.sendClientHello()
}

// StepHandshake processes handshake messages until more input is needed.
func (c *Conn) StepHandshake(status engine.Status) (engine.Status, error) {
	for {
		switch c.stage {
		case stageStart:
			return status, errHandshakeNotStarted
		case stageEstablished:
			return engine.StatusComplete, nil
		case stageKeyUpdate:
			// The peer answers the key update with one of its own, which is
			// processed by Read.
			c.stage = stageEstablished
			return engine.StatusComplete, nil
		}
		msg, err := c.readHandshake()
		if err != nil {
			switch err {
			case engine.ErrWantRead:
				if status == engine.StatusReadDone {
					return status, errors.Wrap(io.ErrUnexpectedEOF, "sealed: handshake")
				}
				return engine.StatusContinue, nil
			case io.EOF, io.ErrUnexpectedEOF:
				return status, errors.Wrap(io.ErrUnexpectedEOF, "sealed: handshake")
			default:
				return status, err
			}
		}
		if c.isServer {
			err = c.serverHandleMessage(msg)
		} else {
			err = c.clientHandleMessage(msg)
		}
		if err != nil {
			return status, err
		}
	}
}

// establishHandshakeKeys runs the key schedule up to the handshake traffic
// secrets. The transcript must cover both hellos.
func (c *Conn) establishHandshakeKeys(sharedKey []byte) error {
	hs := c.hs
	suite := c.suite
	earlySecret := suite.extract(nil, nil)
	hs.handshakeSecret = suite.extract(sharedKey, suite.deriveSecret(earlySecret, derivedLabel, nil))
	hs.clientSecret = suite.deriveSecret(hs.handshakeSecret, clientHandshakeTrafficLabel, hs.transcript)
	hs.serverSecret = suite.deriveSecret(hs.handshakeSecret, serverHandshakeTrafficLabel, hs.transcript)
	hs.masterSecret = suite.extract(nil, suite.deriveSecret(hs.handshakeSecret, derivedLabel, nil))
	if err := configWriteKeyLog(c.config, keyLogLabelClientHandshake, c.clientRandom[:], hs.clientSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if err := configWriteKeyLog(c.config, keyLogLabelServerHandshake, c.clientRandom[:], hs.serverSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if c.isServer {
		c.in.setTrafficSecret(suite, hs.clientSecret)
		c.out.setTrafficSecret(suite, hs.serverSecret)
	} else {
		c.in.setTrafficSecret(suite, hs.serverSecret)
		c.out.setTrafficSecret(suite, hs.clientSecret)
	}
	return nil
}

// deriveApplicationSecrets must be called once the transcript covers the
// server Finished message.
func (c *Conn) deriveApplicationSecrets() error {
	hs := c.hs
	hs.clientAppSecret = c.suite.deriveSecret(hs.masterSecret, clientApplicationTrafficLabel, hs.transcript)
	hs.serverAppSecret = c.suite.deriveSecret(hs.masterSecret, serverApplicationTrafficLabel, hs.transcript)
	if err := configWriteKeyLog(c.config, keyLogLabelClientTraffic, c.clientRandom[:], hs.clientAppSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if err := configWriteKeyLog(c.config, keyLogLabelServerTraffic, c.clientRandom[:], hs.serverAppSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	return nil
}

func (c *Conn) writeHandshake(m handshakeMessage) {
	c.hs.addTranscript(m)
	c.writeRecord(contentHandshake, m.marshal())
}

func (c *Conn) sendCertificate() error {
	m := &certificateMsg{}
	if c.certificate != nil {
		m.certificates = c.certificate.Certificate
		leaf := c.certificate.Leaf
		if leaf == nil {
			var err error
			leaf, err = x509.ParseCertificate(c.certificate.Certificate[0])
			if err != nil {
				c.sendAlert(alertInternalError)
				return err
			}
		}
		c.localCertificate = leaf
	}
	c.writeHandshake(m)
	return nil
}

func (c *Conn) sendCertificateVerify(context string) error {
	scheme, sig, err := signHandshake(configRand(c.config), c.certificate, context, c.hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	c.writeHandshake(&certificateVerifyMsg{
		signatureAlgorithm: scheme,
		signature:          sig,
	})
	return nil
}

func (c *Conn) sendFinished(baseKey []byte) {
	c.writeHandshake(&finishedMsg{
		verifyData: c.suite.finishedHash(baseKey, c.hs.transcript),
	})
}

// handlePeerCertificate parses and checks the certificates sent by the peer.
// It returns false when the peer sent none.
func (c *Conn) handlePeerCertificate(m *certificateMsg) (bool, error) {
	c.hs.addTranscript(m)
	if len(m.certificates) == 0 {
		if !c.isServer {
			c.sendAlert(alertDecodeError)
			return false, errors.New("sealed: received empty certificates message")
		}
		if c.requireClientCert {
			c.sendAlert(alertCertificateRequired)
			return false, errors.New("sealed: client didn't provide a certificate")
		}
		return false, nil
	}
	certs := make([]*x509.Certificate, len(m.certificates))
	for i, asn1Data := range m.certificates {
		cert, err := x509.ParseCertificate(asn1Data)
		if err != nil {
			c.sendAlert(alertBadCertificate)
			return false, err
		}
		certs[i] = cert
	}
	if c.config.VerifyPeerCertificate != nil {
		if err := c.config.VerifyPeerCertificate(m.certificates, nil); err != nil {
			c.sendAlert(alertBadCertificate)
			return false, err
		}
	}
	c.peerCertificates = certs
	return true, nil
}

func (c *Conn) handlePeerCertificateVerify(m *certificateVerifyMsg, context string) error {
	sigType, sigHash, err := typeAndHashFromSignatureScheme(m.signatureAlgorithm)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return err
	}
	signed := signedMessage(sigHash, context, c.hs.transcript)
	if err := verifyHandshakeSignature(sigType, c.peerCertificates[0].PublicKey, sigHash, signed, m.signature); err != nil {
		c.sendAlert(alertDecryptError)
		return errors.WithMessage(err, "sealed: invalid signature by the peer certificate")
	}
	c.hs.addTranscript(m)
	return nil
}

func (c *Conn) checkPeerFinished(m *finishedMsg, baseKey []byte) error {
	expected := c.suite.finishedHash(baseKey, c.hs.transcript)
	if !hmac.Equal(expected, m.verifyData) {
		c.sendAlert(alertDecryptError)
		return errors.New("sealed: invalid finished hash")
	}
	c.hs.addTranscript(m)
	return nil
}

func (c *Conn) finishHandshake() {
	c.hs = nil
	c.stage = stageEstablished
}
