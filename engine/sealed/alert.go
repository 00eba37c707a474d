// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sealed

import "strconv"

type alert uint8

const (
	alertCloseNotify           alert = 0
	alertUnexpectedMessage     alert = 10
	alertBadRecordMAC          alert = 20
	alertRecordOverflow        alert = 22
	alertHandshakeFailure      alert = 40
	alertBadCertificate        alert = 42
	alertIllegalParameter      alert = 47
	alertDecodeError           alert = 50
	alertDecryptError          alert = 51
	alertInternalError         alert = 80
	alertUnsupportedExtension  alert = 110
	alertCertificateRequired   alert = 116
	alertNoApplicationProtocol alert = 120
)

var alertText = map[alert]string{
	alertCloseNotify:           "close notify",
	alertUnexpectedMessage:     "unexpected message",
	alertBadRecordMAC:          "bad record MAC",
	alertRecordOverflow:        "record overflow",
	alertHandshakeFailure:      "handshake failure",
	alertBadCertificate:        "bad certificate",
	alertIllegalParameter:      "illegal parameter",
	alertDecodeError:           "error decoding message",
	alertDecryptError:          "error decrypting message",
	alertInternalError:         "internal error",
	alertUnsupportedExtension:  "unsupported extension",
	alertCertificateRequired:   "certificate required",
	alertNoApplicationProtocol: "no application protocol",
}

func (e alert) String() string {
	s, ok := alertText[e]
	if ok {
		return "sealed: " + s
	}
	return "sealed: alert(" + strconv.Itoa(int(e)) + ")"
}

func (e alert) Error() string {
	return e.String()
}

// remoteError is an alert received from the peer.
type remoteError alert

func (e remoteError) Error() string {
	s, ok := alertText[alert(e)]
	if !ok {
		s = "alert(" + strconv.Itoa(int(e)) + ")"
	}
	return "sealed: remote error: " + s
}
