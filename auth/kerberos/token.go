package kerberos

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jcmturner/gofork/encoding/asn1"
	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/iana/asnAppTag"
	"github.com/jcmturner/gokrb5/v8/iana/chksumtype"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"github.com/jcmturner/gokrb5/v8/iana/msgtype"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"
)

// Kerberos mechanism OIDs. Windows clients send the legacy MS OID.
var (
	OIDKerberos   = gssapi.OIDKRB5.OID()
	OIDMSKerberos = gssapi.OIDMSLegacyKRB5.OID()
)

// RFC 1964 token identifiers.
var (
	tokIDAPReq = []byte{0x01, 0x00}
	tokIDAPRep = []byte{0x02, 0x00}
)

var errNotKerberos = errors.New("not a Kerberos token")

// IsKerberosToken reports whether b looks like a GSS-wrapped or raw AP-REQ.
func IsKerberosToken(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	if b[0] == 0x60 {
		_, _, err := unwrapMechToken(b)
		return err == nil
	}
	return b[0] == 0x60+asnAppTag.APREQ
}

// unwrapMechToken splits an RFC 2743 initial context token into its mech
// OID and the bytes after the OID.
func unwrapMechToken(b []byte) (asn1.ObjectIdentifier, []byte, error) {
	var oid asn1.ObjectIdentifier
	rest, err := asn1.UnmarshalWithParams(b, &oid, "application,explicit,tag:0")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errNotKerberos, err)
	}
	if !oid.Equal(OIDKerberos) && !oid.Equal(OIDMSKerberos) {
		return nil, nil, fmt.Errorf("%w: mech OID %s", errNotKerberos, oid)
	}
	return oid, rest, nil
}

// extractAPReq returns the AP-REQ and the mech OID it was wrapped with. A
// raw AP-REQ is reported under OIDKerberos.
func extractAPReq(token []byte) (messages.APReq, asn1.ObjectIdentifier, error) {
	var apReq messages.APReq
	if len(token) < 2 {
		return apReq, nil, fmt.Errorf("token too short: %d bytes", len(token))
	}

	oid := OIDKerberos
	raw := token
	if token[0] == 0x60 {
		var rest []byte
		var err error
		oid, rest, err = unwrapMechToken(token)
		if err != nil {
			return apReq, nil, err
		}
		if len(rest) < 2 {
			return apReq, nil, errors.New("truncated token ID")
		}
		if rest[0] != tokIDAPReq[0] || rest[1] != tokIDAPReq[1] {
			return apReq, nil, fmt.Errorf("unexpected krb5 token ID 0x%02x%02x", rest[0], rest[1])
		}
		raw = rest[2:]
	}

	if err := apReq.Unmarshal(raw); err != nil {
		return apReq, nil, fmt.Errorf("unmarshal AP-REQ: %w", err)
	}
	return apReq, oid, nil
}

// gssChecksum is the RFC 4121 section 4.1.1 authenticator checksum.
type gssChecksum struct {
	bindings [16]byte
	flags    uint32
}

// parseGSSChecksum returns the GSS checksum of the authenticator, or false
// when the authenticator carries some other checksum type.
func parseGSSChecksum(c types.Checksum) (gssChecksum, bool, error) {
	var g gssChecksum
	if c.CksumType != chksumtype.GSSAPI {
		return g, false, nil
	}
	if len(c.Checksum) < 24 {
		return g, true, fmt.Errorf("GSS checksum too short: %d bytes", len(c.Checksum))
	}
	if n := binary.LittleEndian.Uint32(c.Checksum[0:4]); n != 16 {
		return g, true, fmt.Errorf("GSS checksum binding length %d", n)
	}
	copy(g.bindings[:], c.Checksum[4:20])
	g.flags = binary.LittleEndian.Uint32(c.Checksum[20:24])
	return g, true, nil
}

// buildAPRep builds the mutual authentication reply, wrapped under oid. The
// client's subkey and sequence number are echoed back.
func buildAPRep(apReq messages.APReq, sessionKey types.EncryptionKey, oid asn1.ObjectIdentifier) ([]byte, error) {
	part := messages.EncAPRepPart{
		CTime:          apReq.Authenticator.CTime,
		Cusec:          apReq.Authenticator.Cusec,
		SequenceNumber: apReq.Authenticator.SeqNumber,
	}
	if len(apReq.Authenticator.SubKey.KeyValue) > 0 {
		part.Subkey = apReq.Authenticator.SubKey
	}

	inner, err := asn1.Marshal(part)
	if err != nil {
		return nil, fmt.Errorf("marshal EncAPRepPart: %w", err)
	}
	encrypted, err := crypto.GetEncryptedData(asn1tools.AddASNAppTag(inner, asnAppTag.EncAPRepPart), sessionKey, keyusage.AP_REP_ENCPART, 0)
	if err != nil {
		return nil, fmt.Errorf("encrypt EncAPRepPart: %w", err)
	}

	rep, err := asn1.Marshal(messages.APRep{
		PVNO:    5,
		MsgType: msgtype.KRB_AP_REP,
		EncPart: encrypted,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal AP-REP: %w", err)
	}
	return wrapMechToken(oid, tokIDAPRep, asn1tools.AddASNAppTag(rep, asnAppTag.APREP))
}

// wrapMechToken builds 0x60 len OID tokID inner.
func wrapMechToken(oid asn1.ObjectIdentifier, tokID, inner []byte) ([]byte, error) {
	b, err := asn1.Marshal(oid)
	if err != nil {
		return nil, fmt.Errorf("marshal mech OID: %w", err)
	}
	b = append(b, tokID...)
	b = append(b, inner...)
	return asn1tools.AddASNAppTag(b, 0), nil
}
