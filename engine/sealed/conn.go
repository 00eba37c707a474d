// Copyright 2010 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sealed

import (
	"crypto/cipher"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/goburrow/tlspump/engine"
)

var (
	errHandshakeNotStarted = errors.New("sealed: handshake not started")
	errHandshakeIncomplete = errors.New("sealed: handshake not complete")
	errWriteAfterClose     = errors.New("sealed: write after close")
	errRenegotiation       = errors.New("sealed: renegotiation not possible in current state")
)

// A halfConn represents one direction of the record layer
// connection, either sending or receiving.
type halfConn struct {
	aead          cipher.AEAD
	seq           [8]byte // 64-bit sequence number
	trafficSecret []byte  // current traffic secret
}

func (hc *halfConn) setTrafficSecret(suite *cipherSuite, secret []byte) {
	hc.trafficSecret = secret
	key, iv := suite.trafficKey(secret)
	hc.aead = suite.aead(key, iv)
	for i := range hc.seq {
		hc.seq[i] = 0
	}
}

// incSeq increments the sequence number.
func (hc *halfConn) incSeq() {
	for i := 7; i >= 0; i-- {
		hc.seq[i]++
		if hc.seq[i] != 0 {
			return
		}
	}
	// Not allowed to let sequence number wrap.
	panic("sealed: sequence number wraparound")
}

// encrypt frames data into a record, protecting it once traffic keys are set.
func (hc *halfConn) encrypt(typ contentType, data []byte) []byte {
	if hc.aead == nil {
		rt := recordTypeHandshake
		if typ == contentAlert {
			rt = recordTypeAlert
		}
		record := make([]byte, recordHeaderLen, recordHeaderLen+len(data))
		record[0] = byte(rt)
		binary.BigEndian.PutUint16(record[1:], uint16(len(data)))
		return append(record, data...)
	}
	n := 1 + len(data) + hc.aead.Overhead()
	record := make([]byte, recordHeaderLen, recordHeaderLen+n)
	record[0] = byte(recordTypeProtected)
	binary.BigEndian.PutUint16(record[1:], uint16(n))
	plaintext := make([]byte, 1+len(data))
	plaintext[0] = byte(typ)
	copy(plaintext[1:], data)
	record = hc.aead.Seal(record, hc.seq[:], plaintext, record[:recordHeaderLen])
	hc.incSeq()
	return record
}

// decrypt authenticates the record and returns its content type and payload.
// The payload shares storage with record.
func (hc *halfConn) decrypt(record []byte) (contentType, []byte, error) {
	typ := recordType(record[0])
	payload := record[recordHeaderLen:]
	if hc.aead == nil {
		switch typ {
		case recordTypeHandshake:
			return contentHandshake, payload, nil
		case recordTypeAlert:
			return contentAlert, payload, nil
		default:
			return 0, nil, alertUnexpectedMessage
		}
	}
	if typ != recordTypeProtected {
		return 0, nil, alertUnexpectedMessage
	}
	plaintext, err := hc.aead.Open(payload[:0], hc.seq[:], payload, record[:recordHeaderLen])
	if err != nil {
		return 0, nil, alertBadRecordMAC
	}
	hc.incSeq()
	if len(plaintext) == 0 {
		return 0, nil, alertDecodeError
	}
	return contentType(plaintext[0]), plaintext[1:], nil
}

// Conn is a sealed engine connection. It is not safe for concurrent use;
// the pump serializes all calls.
type Conn struct {
	cb       engine.Callbacks
	config   *tls.Config
	isServer bool

	// certificate is presented to the peer. It is nil for a client without one.
	certificate        *tls.Certificate
	requestClientCert  bool
	requireClientCert  bool
	serverName         string
	clientRandom       [randomLen]byte
	stage              stage
	hs                 *handshakeState
	suite              *cipherSuite
	negotiatedProtocol string
	peerCertificates   []*x509.Certificate
	localCertificate   *x509.Certificate

	in, out  halfConn
	rawInput engine.RecordBuffer
	input    []byte // application data not delivered yet

	peerClosed bool
	closed     bool
	alertSent  bool
	keyUpdates int
}

var _ engine.Engine = (*Conn)(nil)

// New creates a sealed engine. It implements engine.Factory.
func New(cb engine.Callbacks, opts *engine.Options) (engine.Engine, error) {
	if cb == nil || opts == nil {
		return nil, errors.New("sealed: callbacks and options required")
	}
	config := opts.TLS
	if config == nil {
		config = &tls.Config{}
	}
	c := &Conn{
		cb:         cb,
		config:     config,
		isServer:   opts.IsServer,
		serverName: opts.ServerName,
	}
	if c.isServer {
		c.certificate = opts.Certificate
		if c.certificate == nil && len(config.Certificates) > 0 {
			c.certificate = &config.Certificates[0]
		}
		if c.certificate == nil || len(c.certificate.Certificate) == 0 {
			return nil, errors.New("sealed: server certificate required")
		}
		c.requireClientCert = opts.ClientCertificateRequired || requiresClientCert(config.ClientAuth)
		c.requestClientCert = c.requireClientCert || config.ClientAuth != tls.NoClientCert
	} else {
		if len(config.Certificates) > 0 {
			c.certificate = &config.Certificates[0]
		}
		if c.serverName == "" {
			c.serverName = config.ServerName
		}
	}
	return c, nil
}

// Read decrypts the next data record into b. Post-handshake messages are
// processed on the way.
func (c *Conn) Read(b []byte) (int, bool, error) {
	if c.stage < stageEstablished {
		return 0, false, errHandshakeIncomplete
	}
	for len(c.input) == 0 {
		if c.peerClosed {
			return 0, false, nil
		}
		typ, data, err := c.readRecord()
		if err != nil {
			switch err {
			case engine.ErrWantRead:
				return 0, true, nil
			case io.EOF:
				// Transport closed without close_notify.
				c.peerClosed = true
				return 0, false, nil
			default:
				return 0, false, err
			}
		}
		switch typ {
		case contentData:
			c.input = append(c.input[:0], data...)
		case contentAlert:
			if err := c.handleAlert(data); err != nil {
				return 0, false, err
			}
		case contentHandshake:
			if err := c.handlePostHandshakeMessage(data); err != nil {
				return 0, false, err
			}
		default:
			c.sendAlert(alertUnexpectedMessage)
			return 0, false, alertUnexpectedMessage
		}
	}
	n := copy(b, c.input)
	c.input = c.input[n:]
	return n, false, nil
}

// Write protects up to maxPlaintext bytes of b into one record.
func (c *Conn) Write(b []byte) (int, bool, error) {
	if c.stage < stageEstablished {
		return 0, false, errHandshakeIncomplete
	}
	if c.closed {
		return 0, false, errWriteAfterClose
	}
	n := len(b)
	if n > maxPlaintext {
		n = maxPlaintext
	}
	c.writeRecord(contentData, b[:n])
	return n, false, nil
}

// Shutdown queues close_notify.
func (c *Conn) Shutdown() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.sendAlert(alertCloseNotify)
	return nil
}

// Renegotiate sends a key update requesting the peer to update its keys too.
func (c *Conn) Renegotiate() error {
	if !c.CanRenegotiate() {
		return errRenegotiation
	}
	c.sendKeyUpdate(true)
	c.stage = stageKeyUpdate
	return nil
}

// CanRenegotiate reports whether keys can be updated.
func (c *Conn) CanRenegotiate() bool {
	return c.stage == stageEstablished && !c.closed && !c.peerClosed
}

// ConnectionState returns basic details about the connection.
func (c *Conn) ConnectionState() engine.ConnectionState {
	state := engine.ConnectionState{
		HandshakeComplete:  c.stage >= stageEstablished,
		IsServer:           c.isServer,
		Protocol:           Protocol,
		Version:            Version,
		NegotiatedProtocol: c.negotiatedProtocol,
		ServerName:         c.serverName,
		PeerCertificates:   c.peerCertificates,
		LocalCertificate:   c.localCertificate,
	}
	if c.suite != nil {
		state.CipherSuite = c.suite.id
	}
	return state
}

// KeyUpdates returns the number of key updates received from the peer.
func (c *Conn) KeyUpdates() int {
	return c.keyUpdates
}

// Close drops secrets and buffered data.
func (c *Conn) Close() error {
	c.hs = nil
	c.in = halfConn{}
	c.out = halfConn{}
	c.input = nil
	c.rawInput.Reset()
	return nil
}

func (c *Conn) writeRecord(typ contentType, data []byte) {
	c.cb.WriteRecord(c.out.encrypt(typ, data))
}

// sendAlert sends an alert. Only the first fatal alert is sent.
func (c *Conn) sendAlert(a alert) {
	if c.alertSent {
		return
	}
	if a != alertCloseNotify {
		c.alertSent = true
	}
	c.writeRecord(contentAlert, []byte{byte(a)})
}

// readRecord reads and decrypts the next record. The returned data is only
// valid until the next call.
func (c *Conn) readRecord() (contentType, []byte, error) {
	if err := c.rawInput.Fill(c.cb, recordHeaderLen); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(c.rawInput.Bytes()[1:]))
	if n > maxCiphertext {
		c.sendAlert(alertRecordOverflow)
		return 0, nil, errors.Errorf("sealed: oversized record received with length %d", n)
	}
	if err := c.rawInput.Fill(c.cb, recordHeaderLen+n); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	record := c.rawInput.Bytes()
	c.rawInput.Reset()
	typ, data, err := c.in.decrypt(record)
	if err != nil {
		if a, ok := err.(alert); ok {
			c.sendAlert(a)
		}
		return 0, nil, err
	}
	return typ, data, nil
}

// readHandshake reads the next handshake message.
func (c *Conn) readHandshake() (handshakeMessage, error) {
	typ, data, err := c.readRecord()
	if err != nil {
		return nil, err
	}
	switch typ {
	case contentHandshake:
	case contentAlert:
		return nil, c.handleAlert(data)
	default:
		c.sendAlert(alertUnexpectedMessage)
		return nil, alertUnexpectedMessage
	}
	return c.parseHandshake(data)
}

func (c *Conn) parseHandshake(data []byte) (handshakeMessage, error) {
	if len(data) < 4 || len(data) > maxHandshake {
		c.sendAlert(alertDecodeError)
		return nil, errors.Errorf("sealed: invalid handshake message length %d", len(data))
	}
	m := newHandshakeMessage(data[0])
	if m == nil {
		c.sendAlert(alertUnexpectedMessage)
		return nil, errors.Errorf("sealed: unsupported handshake message %d", data[0])
	}
	// Messages keep a reference to their raw bytes.
	raw := make([]byte, len(data))
	copy(raw, data)
	if !m.unmarshal(raw) {
		c.sendAlert(alertDecodeError)
		return nil, errors.Errorf("sealed: could not parse message %d", data[0])
	}
	return m, nil
}

func (c *Conn) handleAlert(data []byte) error {
	if len(data) != 1 {
		c.sendAlert(alertDecodeError)
		return alertDecodeError
	}
	if alert(data[0]) == alertCloseNotify {
		c.peerClosed = true
		if c.stage < stageEstablished {
			return errors.Wrap(io.ErrUnexpectedEOF, "sealed: peer closed during handshake")
		}
		return nil
	}
	c.peerClosed = true
	return remoteError(data[0])
}

// handlePostHandshakeMessage processes a handshake message arrived after the
// handshake is complete.
func (c *Conn) handlePostHandshakeMessage(data []byte) error {
	msg, err := c.parseHandshake(data)
	if err != nil {
		return err
	}
	switch msg := msg.(type) {
	case *keyUpdateMsg:
		return c.handleKeyUpdate(msg)
	default:
		c.sendAlert(alertUnexpectedMessage)
		return errors.Errorf("sealed: received unexpected handshake message of type %T", msg)
	}
}

func (c *Conn) handleKeyUpdate(keyUpdate *keyUpdateMsg) error {
	c.in.setTrafficSecret(c.suite, c.suite.nextTrafficSecret(c.in.trafficSecret))
	c.keyUpdates++
	if keyUpdate.updateRequested && !c.closed {
		c.sendKeyUpdate(false)
	}
	return nil
}

func (c *Conn) sendKeyUpdate(updateRequested bool) {
	msg := &keyUpdateMsg{updateRequested: updateRequested}
	c.writeRecord(contentHandshake, msg.marshal())
	c.out.setTrafficSecret(c.suite, c.suite.nextTrafficSecret(c.out.trafficSecret))
}
