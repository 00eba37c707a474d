package sealed

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

func (c *Conn) sendClientHello() error {
	hs := c.hs
	rand := configRand(c.config)
	if _, err := io.ReadFull(rand, c.clientRandom[:]); err != nil {
		return errors.Wrap(err, "sealed: short read from Rand")
	}
	hs.privateKey = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand, hs.privateKey); err != nil {
		return errors.Wrap(err, "sealed: short read from Rand")
	}
	publicKey, err := curve25519.X25519(hs.privateKey, curve25519.Basepoint)
	if err != nil {
		return errors.Wrap(err, "sealed: key generation")
	}
	hello := &clientHelloMsg{
		random:        c.clientRandom[:],
		keyShare:      publicKey,
		cipherSuites:  configCipherSuites(c.config),
		serverName:    c.serverName,
		alpnProtocols: c.config.NextProtos,
	}
	c.writeHandshake(hello)
	c.stage = stageClientWaitServerHello
	return nil
}

func (c *Conn) clientHandleMessage(msg handshakeMessage) error {
	switch c.stage {
	case stageClientWaitServerHello:
		m, ok := msg.(*serverHelloMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		return c.handleServerHello(m)
	case stageClientWaitEncryptedExtensions:
		m, ok := msg.(*encryptedExtensionsMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		return c.handleEncryptedExtensions(m)
	case stageClientWaitCertificate:
		m, ok := msg.(*certificateMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		if _, err := c.handlePeerCertificate(m); err != nil {
			return err
		}
		c.stage = stageClientWaitCertificateVerify
		return nil
	case stageClientWaitCertificateVerify:
		m, ok := msg.(*certificateVerifyMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		if err := c.handlePeerCertificateVerify(m, serverSignatureContext); err != nil {
			return err
		}
		c.stage = stageClientWaitFinished
		return nil
	case stageClientWaitFinished:
		m, ok := msg.(*finishedMsg)
		if !ok {
			c.sendAlert(alertUnexpectedMessage)
			return unexpectedMessageError(m, msg)
		}
		return c.handleServerFinished(m)
	default:
		c.sendAlert(alertUnexpectedMessage)
		return errors.Errorf("sealed: unexpected handshake message of type %T", msg)
	}
}

func (c *Conn) handleServerHello(m *serverHelloMsg) error {
	hs := c.hs
	c.suite = mutualCipherSuite(configCipherSuites(c.config), []uint16{m.cipherSuite})
	if c.suite == nil {
		c.sendAlert(alertIllegalParameter)
		return errors.Errorf("sealed: server chose an unconfigured cipher suite %#04x", m.cipherSuite)
	}
	hs.initTranscript(c.suite)
	hs.addTranscript(m)
	sharedKey, err := curve25519.X25519(hs.privateKey, m.keyShare)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return errors.Wrap(err, "sealed: invalid server key share")
	}
	if err := c.establishHandshakeKeys(sharedKey); err != nil {
		return err
	}
	c.stage = stageClientWaitEncryptedExtensions
	return nil
}

func (c *Conn) handleEncryptedExtensions(m *encryptedExtensionsMsg) error {
	hs := c.hs
	if m.alpnProtocol != "" {
		offered := false
		for _, proto := range c.config.NextProtos {
			if proto == m.alpnProtocol {
				offered = true
				break
			}
		}
		if !offered {
			c.sendAlert(alertUnsupportedExtension)
			return errors.Errorf("sealed: server advertised unrequested application protocol %q", m.alpnProtocol)
		}
	}
	c.negotiatedProtocol = m.alpnProtocol
	hs.certRequested = m.certificateRequested
	hs.addTranscript(m)
	c.stage = stageClientWaitCertificate
	return nil
}

// handleServerFinished verifies the server flight and sends the client one.
// The handshake is complete for the client once its Finished is queued.
func (c *Conn) handleServerFinished(m *finishedMsg) error {
	hs := c.hs
	if err := c.checkPeerFinished(m, hs.serverSecret); err != nil {
		return err
	}
	if err := c.deriveApplicationSecrets(); err != nil {
		return err
	}
	if hs.certRequested {
		if err := c.sendCertificate(); err != nil {
			return err
		}
		if c.certificate != nil {
			if err := c.sendCertificateVerify(clientSignatureContext); err != nil {
				return err
			}
		}
	}
	c.sendFinished(hs.clientSecret)
	c.in.setTrafficSecret(c.suite, hs.serverAppSecret)
	c.out.setTrafficSecret(c.suite, hs.clientAppSecret)
	c.finishHandshake()
	return nil
}
