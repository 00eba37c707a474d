package sealed

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

func (c *Conn) serverHandleMessage(msg handshakeMessage) error {
	switch c.stage {
	case stageServerWaitClientHello:
		m, ok := msg.(*clientHelloMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		return c.handleClientHello(m)
	case stageServerWaitCertificate:
		m, ok := msg.(*certificateMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		sent, err := c.handlePeerCertificate(m)
		if err != nil {
			return err
		}
		if sent {
			c.stage = stageServerWaitCertificateVerify
		} else {
			c.stage = stageServerWaitFinished
		}
		return nil
	case stageServerWaitCertificateVerify:
		m, ok := msg.(*certificateVerifyMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		if err := c.handlePeerCertificateVerify(m, clientSignatureContext); err != nil {
			return err
		}
		c.stage = stageServerWaitFinished
		return nil
	case stageServerWaitFinished:
		m, ok := msg.(*finishedMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		if err := c.checkPeerFinished(m, c.hs.clientSecret); err != nil {
			return err
		}
		c.in.setTrafficSecret(c.suite, c.hs.clientAppSecret)
		c.finishHandshake()
		return nil
	default:
		c.sendAlert(alertUnexpectedMessage)
		return errors.Errorf("sealed: unexpected handshake message of type %T", msg)
	}
}

// handleClientHello selects the parameters and sends the whole server flight.
func (c *Conn) handleClientHello(m *clientHelloMsg) error {
	hs := c.hs
	c.suite = mutualCipherSuite(configCipherSuites(c.config), m.cipherSuites)
	if c.suite == nil {
		c.sendAlert(alertHandshakeFailure)
		return errors.New("sealed: no cipher suite supported by both client and server")
	}
	hs.addTranscript(m)
	hs.initTranscript(c.suite)
	copy(c.clientRandom[:], m.random)
	c.serverName = m.serverName

	proto, err := negotiateALPN(c.config.NextProtos, m.alpnProtocols)
	if err != nil {
		c.sendAlert(alertNoApplicationProtocol)
		return err
	}
	c.negotiatedProtocol = proto

	rand := configRand(c.config)
	hs.privateKey = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, hs.privateKey); err != nil {
		c.sendAlert(alertInternalError)
		return errors.Wrap(err, "sealed: short read from Rand")
	}
	publicKey, err := curve25519.X25519(hs.privateKey, curve25519.Basepoint)
	if err != nil {
		c.sendAlert(alertInternalError)
		return errors.Wrap(err, "sealed: key generation")
	}
	sharedKey, err := curve25519.X25519(hs.privateKey, m.keyShare)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return errors.Wrap(err, "sealed: invalid client key share")
	}
	hello := &serverHelloMsg{
		random:      make([]byte, randomLen),
		keyShare:    publicKey,
		cipherSuite: c.suite.id,
	}
	if _, err := io.ReadFull(rand, hello.random); err != nil {
		c.sendAlert(alertInternalError)
		return errors.Wrap(err, "sealed: short read from Rand")
	}
	c.writeHandshake(hello)
	if err := c.establishHandshakeKeys(sharedKey); err != nil {
		return err
	}

	hs.certRequested = c.requestClientCert
	c.writeHandshake(&encryptedExtensionsMsg{
		alpnProtocol:         proto,
		certificateRequested: hs.certRequested,
	})
	if err := c.sendCertificate(); err != nil {
		return err
	}
	if err := c.sendCertificateVerify(serverSignatureContext); err != nil {
		return err
	}
	c.sendFinished(hs.serverSecret)
	if err := c.deriveApplicationSecrets(); err != nil {
		return err
	}
	c.out.setTrafficSecret(c.suite, hs.serverAppSecret)
	if hs.certRequested {
		c.stage = stageServerWaitCertificate
	} else {
		c.stage = stageServerWaitFinished
	}
	return nil
}
