package sealed

import (
	"crypto/tls"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/curve25519"
)

// handshakeMessage is encoded as type(1) | length(3) | body.
type handshakeMessage interface {
	marshal() []byte
	unmarshal([]byte) bool
}

func marshalMessage(typ uint8, body func(b *cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	b.AddUint8(typ)
	b.AddUint24LengthPrefixed(body)
	return b.BytesOrPanic()
}

// messageBody strips the header after checking type and length.
func messageBody(data []byte, typ uint8) (cryptobyte.String, bool) {
	s := cryptobyte.String(data)
	var t uint8
	var body cryptobyte.String
	if !s.ReadUint8(&t) || t != typ || !s.ReadUint24LengthPrefixed(&body) || !s.Empty() {
		return nil, false
	}
	return body, true
}

type clientHelloMsg struct {
	raw           []byte
	random        []byte
	keyShare      []byte
	cipherSuites  []uint16
	serverName    string
	alpnProtocols []string
}

func (m *clientHelloMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeClientHello, func(b *cryptobyte.Builder) {
		b.AddBytes(m.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.keyShare)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, suite := range m.cipherSuites {
				b.AddUint16(suite)
			}
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(m.serverName))
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, proto := range m.alpnProtocols {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes([]byte(proto))
				})
			}
		})
	})
	return m.raw
}

func (m *clientHelloMsg) unmarshal(data []byte) bool {
	*m = clientHelloMsg{raw: data}
	s, ok := messageBody(data, typeClientHello)
	if !ok {
		return false
	}
	var keyShare, suites, serverName, protos cryptobyte.String
	if !s.ReadBytes(&m.random, randomLen) ||
		!s.ReadUint8LengthPrefixed(&keyShare) || len(keyShare) != curve25519.PointSize ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint16LengthPrefixed(&serverName) ||
		!s.ReadUint16LengthPrefixed(&protos) || !s.Empty() {
		return false
	}
	m.keyShare = keyShare
	for !suites.Empty() {
		var suite uint16
		if !suites.ReadUint16(&suite) {
			return false
		}
		m.cipherSuites = append(m.cipherSuites, suite)
	}
	m.serverName = string(serverName)
	for !protos.Empty() {
		var proto cryptobyte.String
		if !protos.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
			return false
		}
		m.alpnProtocols = append(m.alpnProtocols, string(proto))
	}
	return true
}

type serverHelloMsg struct {
	raw         []byte
	random      []byte
	keyShare    []byte
	cipherSuite uint16
}

func (m *serverHelloMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeServerHello, func(b *cryptobyte.Builder) {
		b.AddBytes(m.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.keyShare)
		})
		b.AddUint16(m.cipherSuite)
	})
	return m.raw
}

func (m *serverHelloMsg) unmarshal(data []byte) bool {
	*m = serverHelloMsg{raw: data}
	s, ok := messageBody(data, typeServerHello)
	if !ok {
		return false
	}
	var keyShare cryptobyte.String
	if !s.ReadBytes(&m.random, randomLen) ||
		!s.ReadUint8LengthPrefixed(&keyShare) || len(keyShare) != curve25519.PointSize ||
		!s.ReadUint16(&m.cipherSuite) || !s.Empty() {
		return false
	}
	m.keyShare = keyShare
	return true
}

type encryptedExtensionsMsg struct {
	raw                  []byte
	alpnProtocol         string
	certificateRequested bool
}

func (m *encryptedExtensionsMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeEncryptedExtensions, func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(m.alpnProtocol))
		})
		if m.certificateRequested {
			b.AddUint8(1)
		} else {
			b.AddUint8(0)
		}
	})
	return m.raw
}

func (m *encryptedExtensionsMsg) unmarshal(data []byte) bool {
	*m = encryptedExtensionsMsg{raw: data}
	s, ok := messageBody(data, typeEncryptedExtensions)
	if !ok {
		return false
	}
	var proto cryptobyte.String
	var requested uint8
	if !s.ReadUint8LengthPrefixed(&proto) || !s.ReadUint8(&requested) || requested > 1 || !s.Empty() {
		return false
	}
	m.alpnProtocol = string(proto)
	m.certificateRequested = requested == 1
	return true
}

type certificateMsg struct {
	raw          []byte
	certificates [][]byte
}

func (m *certificateMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeCertificate, func(b *cryptobyte.Builder) {
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cert := range m.certificates {
				b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(cert)
				})
			}
		})
	})
	return m.raw
}

func (m *certificateMsg) unmarshal(data []byte) bool {
	*m = certificateMsg{raw: data}
	s, ok := messageBody(data, typeCertificate)
	if !ok {
		return false
	}
	var certs cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&certs) || !s.Empty() {
		return false
	}
	for !certs.Empty() {
		var cert []byte
		if !certs.ReadUint24LengthPrefixed((*cryptobyte.String)(&cert)) || len(cert) == 0 {
			return false
		}
		m.certificates = append(m.certificates, cert)
	}
	return true
}

type certificateVerifyMsg struct {
	raw                []byte
	signatureAlgorithm tls.SignatureScheme
	signature          []byte
}

func (m *certificateVerifyMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeCertificateVerify, func(b *cryptobyte.Builder) {
		b.AddUint16(uint16(m.signatureAlgorithm))
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.signature)
		})
	})
	return m.raw
}

func (m *certificateVerifyMsg) unmarshal(data []byte) bool {
	*m = certificateVerifyMsg{raw: data}
	s, ok := messageBody(data, typeCertificateVerify)
	if !ok {
		return false
	}
	var alg uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&alg) || !s.ReadUint16LengthPrefixed(&sig) || sig.Empty() || !s.Empty() {
		return false
	}
	m.signatureAlgorithm = tls.SignatureScheme(alg)
	m.signature = sig
	return true
}

type finishedMsg struct {
	raw        []byte
	verifyData []byte
}

func (m *finishedMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeFinished, func(b *cryptobyte.Builder) {
		b.AddBytes(m.verifyData)
	})
	return m.raw
}

func (m *finishedMsg) unmarshal(data []byte) bool {
	*m = finishedMsg{raw: data}
	s, ok := messageBody(data, typeFinished)
	if !ok {
		return false
	}
	m.verifyData = s
	return true
}

type keyUpdateMsg struct {
	raw             []byte
	updateRequested bool
}

func (m *keyUpdateMsg) marshal() []byte {
	if m.raw != nil {
		return m.raw
	}
	m.raw = marshalMessage(typeKeyUpdate, func(b *cryptobyte.Builder) {
		if m.updateRequested {
			b.AddUint8(1)
		} else {
			b.AddUint8(0)
		}
	})
	return m.raw
}

func (m *keyUpdateMsg) unmarshal(data []byte) bool {
	*m = keyUpdateMsg{raw: data}
	s, ok := messageBody(data, typeKeyUpdate)
	if !ok {
		return false
	}
	var updateRequested uint8
	if !s.ReadUint8(&updateRequested) || !s.Empty() {
		return false
	}
	switch updateRequested {
	case 0:
		m.updateRequested = false
	case 1:
		m.updateRequested = true
	default:
		return false
	}
	return true
}

// newHandshakeMessage returns an empty message for the type byte.
func newHandshakeMessage(typ uint8) handshakeMessage {
	switch typ {
	case typeClientHello:
		return new(clientHelloMsg)
	case typeServerHello:
		return new(serverHelloMsg)
	case typeEncryptedExtensions:
		return new(encryptedExtensionsMsg)
	case typeCertificate:
		return new(certificateMsg)
	case typeCertificateVerify:
		return new(certificateVerifyMsg)
	case typeFinished:
		return new(finishedMsg)
	case typeKeyUpdate:
		return new(keyUpdateMsg)
	default:
		return nil
	}
}
