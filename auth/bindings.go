package auth

import (
	"bytes"
	"crypto/md5"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	ntlmcbt "github.com/smnsjas/go-ntlm-cbt"
)

// tlsServerEndPointPrefix is the channel binding type prefix per RFC 5929.
const tlsServerEndPointPrefix = "tls-server-end-point:"

// secChannelBindingsSize is the SEC_CHANNEL_BINDINGS header: 8 little-endian
// uint32 fields.
const secChannelBindingsSize = 32

// ChannelBindings ties an authentication exchange to an outer channel.
// Only ApplicationData is set for TLS bindings.
type ChannelBindings struct {
	InitiatorAddrType uint32
	InitiatorAddress  []byte
	AcceptorAddrType  uint32
	AcceptorAddress   []byte
	ApplicationData   []byte
}

// NewTLSServerEndpointBindings builds RFC 5929 tls-server-end-point bindings
// for the server's leaf certificate. The certificate hash comes from
// ntlmcbt, the same computation NTLM clients use for Extended Protection.
func NewTLSServerEndpointBindings(cert *x509.Certificate) (*ChannelBindings, error) {
	if cert == nil {
		return nil, errors.New("channel bindings: nil certificate")
	}
	return bindingsFrom(ntlmcbt.ComputeTLSServerEndpoint(cert))
}

// bindingsFrom converts ntlmcbt bindings into ChannelBindings. Struct
// fields are matched by gss_channel_bindings_struct name; a bare byte slice
// is the application data, with or without the RFC 5929 prefix.
func bindingsFrom(v any) (*ChannelBindings, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, errors.New("channel bindings: no bindings computed")
		}
		rv = rv.Elem()
	}

	cb := &ChannelBindings{}
	switch {
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
		app := rv.Bytes()
		if !bytes.HasPrefix(app, []byte(tlsServerEndPointPrefix)) {
			app = append([]byte(tlsServerEndPointPrefix), app...)
		}
		cb.ApplicationData = bytes.Clone(app)
	case rv.Kind() == reflect.Struct:
		cb.InitiatorAddrType = uint32Field(rv, "InitiatorAddrType")
		cb.InitiatorAddress = bytesField(rv, "InitiatorAddress")
		cb.AcceptorAddrType = uint32Field(rv, "AcceptorAddrType")
		cb.AcceptorAddress = bytesField(rv, "AcceptorAddress")
		cb.ApplicationData = bytesField(rv, "ApplicationData")
	default:
		return nil, fmt.Errorf("channel bindings: unsupported bindings type %T", v)
	}
	if len(cb.ApplicationData) == 0 {
		return nil, fmt.Errorf("channel bindings: %T carries no application data", v)
	}
	return cb, nil
}

func bytesField(rv reflect.Value, name string) []byte {
	f := rv.FieldByName(name)
	if !f.IsValid() || f.Kind() != reflect.Slice || f.Type().Elem().Kind() != reflect.Uint8 {
		return nil
	}
	return bytes.Clone(f.Bytes())
}

func uint32Field(rv reflect.Value, name string) uint32 {
	f := rv.FieldByName(name)
	if !f.IsValid() || !f.CanUint() {
		return 0
	}
	return uint32(f.Uint())
}

// Marshal encodes b as a SEC_CHANNEL_BINDINGS structure followed by its data,
// the layout expected in a BufferChannelBindings buffer.
func (b *ChannelBindings) Marshal() []byte {
	total := secChannelBindingsSize + len(b.InitiatorAddress) + len(b.AcceptorAddress) + len(b.ApplicationData)
	buf := make([]byte, total)

	off := uint32(secChannelBindingsSize)
	put := func(field int, v uint32) {
		binary.LittleEndian.PutUint32(buf[field*4:], v)
	}
	place := func(lenField int, data []byte) {
		if len(data) == 0 {
			return
		}
		put(lenField, uint32(len(data)))
		put(lenField+1, off)
		copy(buf[off:], data)
		off += uint32(len(data))
	}

	put(0, b.InitiatorAddrType)
	place(1, b.InitiatorAddress)
	put(3, b.AcceptorAddrType)
	place(4, b.AcceptorAddress)
	place(6, b.ApplicationData)
	return buf
}

// UnmarshalChannelBindings decodes a SEC_CHANNEL_BINDINGS buffer.
func UnmarshalChannelBindings(p []byte) (*ChannelBindings, error) {
	if len(p) < secChannelBindingsSize {
		return nil, fmt.Errorf("channel bindings: %d bytes is shorter than header", len(p))
	}
	field := func(i int) uint32 { return binary.LittleEndian.Uint32(p[i*4:]) }
	slice := func(lenField int) ([]byte, error) {
		n, off := field(lenField), field(lenField+1)
		if n == 0 {
			return nil, nil
		}
		end := uint64(off) + uint64(n)
		if off < secChannelBindingsSize || end > uint64(len(p)) {
			return nil, fmt.Errorf("channel bindings: field at %d+%d out of range", off, n)
		}
		return p[off:end], nil
	}

	b := &ChannelBindings{
		InitiatorAddrType: field(0),
		AcceptorAddrType:  field(3),
	}
	var err error
	if b.InitiatorAddress, err = slice(1); err != nil {
		return nil, err
	}
	if b.AcceptorAddress, err = slice(4); err != nil {
		return nil, err
	}
	if b.ApplicationData, err = slice(6); err != nil {
		return nil, err
	}
	return b, nil
}

// GSSHash returns the MD5 digest of the gss_channel_bindings_struct encoding
// used by NTLM (MsvAvChannelBindings) and the Kerberos GSS checksum.
func (b *ChannelBindings) GSSHash() [16]byte {
	var u [4]byte
	h := md5.New()
	writeField := func(v uint32) {
		binary.LittleEndian.PutUint32(u[:], v)
		h.Write(u[:])
	}
	writeField(b.InitiatorAddrType)
	writeField(uint32(len(b.InitiatorAddress)))
	h.Write(b.InitiatorAddress)
	writeField(b.AcceptorAddrType)
	writeField(uint32(len(b.AcceptorAddress)))
	h.Write(b.AcceptorAddress)
	writeField(uint32(len(b.ApplicationData)))
	h.Write(b.ApplicationData)

	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return sum
}
