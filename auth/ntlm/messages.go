package ntlm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf16"
)

// NTLM message types
const (
	negotiateMessageType    = 1
	challengeMessageType    = 2
	authenticateMessageType = 3
)

// NTLM negotiate flags
const (
	flagNegotiateUnicode          uint32 = 0x00000001
	flagNegotiateOEM              uint32 = 0x00000002
	flagRequestTarget             uint32 = 0x00000004
	flagNegotiateSign             uint32 = 0x00000010
	flagNegotiateSeal             uint32 = 0x00000020
	flagNegotiateLMKey            uint32 = 0x00000080
	flagNegotiateNTLM             uint32 = 0x00000200
	flagNegotiateAlwaysSign       uint32 = 0x00008000
	flagTargetTypeDomain          uint32 = 0x00010000
	flagNegotiateExtendedSecurity uint32 = 0x00080000
	flagNegotiateTargetInfo       uint32 = 0x00800000
	flagNegotiateVersion          uint32 = 0x02000000
	flagNegotiate128              uint32 = 0x20000000
	flagNegotiateKeyExch          uint32 = 0x40000000
	flagNegotiate56               uint32 = 0x80000000
)

// AV_PAIR ids
const (
	avEOL             uint16 = 0x0000
	avNbComputerName  uint16 = 0x0001
	avNbDomainName    uint16 = 0x0002
	avDNSComputerName uint16 = 0x0003
	avDNSDomainName   uint16 = 0x0004
	avFlags           uint16 = 0x0006
	avTimestamp       uint16 = 0x0007
	avChannelBindings uint16 = 0x000A
)

// avFlagsMICPresent is set in MsvAvFlags when the AUTHENTICATE message
// carries a MIC.
const avFlagsMICPresent = 0x00000002

var signature = []byte("NTLMSSP\x00")

const (
	challengeHeaderSize    = 56
	authenticateHeaderSize = 64
	micOffset              = 72
	micSize                = 16
)

var errMalformed = errors.New("malformed NTLM message")

// IsNTLMToken reports whether b starts with the NTLMSSP signature.
func IsNTLMToken(b []byte) bool {
	return len(b) >= 12 && bytes.HasPrefix(b, signature)
}

func messageType(b []byte) (uint32, error) {
	if !IsNTLMToken(b) {
		return 0, fmt.Errorf("%w: missing NTLMSSP signature", errMalformed)
	}
	return binary.LittleEndian.Uint32(b[8:12]), nil
}

// parseNegotiate returns the client flags of a NEGOTIATE message.
func parseNegotiate(b []byte) (uint32, error) {
	t, err := messageType(b)
	if err != nil {
		return 0, err
	}
	if t != negotiateMessageType {
		return 0, fmt.Errorf("%w: expected NEGOTIATE, got message type %d", errMalformed, t)
	}
	if len(b) < 16 {
		return 0, fmt.Errorf("%w: NEGOTIATE too short", errMalformed)
	}
	return binary.LittleEndian.Uint32(b[12:16]), nil
}

// varField reads a Len/MaxLen/Offset payload reference at off.
func varField(b []byte, off int) ([]byte, error) {
	if off+8 > len(b) {
		return nil, fmt.Errorf("%w: field header at %d past end", errMalformed, off)
	}
	n := int(binary.LittleEndian.Uint16(b[off:]))
	start := int(binary.LittleEndian.Uint32(b[off+4:]))
	if n == 0 {
		return nil, nil
	}
	if start < 0 || start+n > len(b) {
		return nil, fmt.Errorf("%w: field %d+%d out of range", errMalformed, start, n)
	}
	return b[start : start+n], nil
}

func varFieldOffset(b []byte, off int) (int, int) {
	return int(binary.LittleEndian.Uint16(b[off:])), int(binary.LittleEndian.Uint32(b[off+4:]))
}

// challengeParams are the server values placed in a CHALLENGE message.
type challengeParams struct {
	flags       uint32
	challenge   [8]byte
	targetName  string
	nbDomain    string
	nbComputer  string
	dnsDomain   string
	dnsComputer string
	timestamp   time.Time
}

func buildChallenge(p challengeParams) []byte {
	target := encodeUTF16(p.targetName)

	var info bytes.Buffer
	writeAVPair(&info, avNbDomainName, encodeUTF16(p.nbDomain))
	writeAVPair(&info, avNbComputerName, encodeUTF16(p.nbComputer))
	if p.dnsDomain != "" {
		writeAVPair(&info, avDNSDomainName, encodeUTF16(p.dnsDomain))
	}
	if p.dnsComputer != "" {
		writeAVPair(&info, avDNSComputerName, encodeUTF16(p.dnsComputer))
	}
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, timeToFiletime(p.timestamp))
	writeAVPair(&info, avTimestamp, ts)
	writeAVPair(&info, avEOL, nil)

	msg := make([]byte, challengeHeaderSize+len(target)+info.Len())
	copy(msg[0:8], signature)
	binary.LittleEndian.PutUint32(msg[8:12], challengeMessageType)

	targetOff := challengeHeaderSize
	binary.LittleEndian.PutUint16(msg[12:14], uint16(len(target)))
	binary.LittleEndian.PutUint16(msg[14:16], uint16(len(target)))
	binary.LittleEndian.PutUint32(msg[16:20], uint32(targetOff))

	binary.LittleEndian.PutUint32(msg[20:24], p.flags)
	copy(msg[24:32], p.challenge[:])

	infoOff := targetOff + len(target)
	binary.LittleEndian.PutUint16(msg[40:42], uint16(info.Len()))
	binary.LittleEndian.PutUint16(msg[42:44], uint16(info.Len()))
	binary.LittleEndian.PutUint32(msg[44:48], uint32(infoOff))

	// Version: 10.0 build 20348, NTLM revision 15
	msg[48] = 10
	msg[49] = 0
	binary.LittleEndian.PutUint16(msg[50:52], 20348)
	msg[55] = 15

	copy(msg[targetOff:], target)
	copy(msg[infoOff:], info.Bytes())
	return msg
}

func writeAVPair(buf *bytes.Buffer, id uint16, value []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], id)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}

// parseAVPairs reads an AV_PAIR list up to MsvAvEOL.
func parseAVPairs(b []byte) (map[uint16][]byte, error) {
	pairs := make(map[uint16][]byte)
	for len(b) >= 4 {
		id := binary.LittleEndian.Uint16(b[0:2])
		n := int(binary.LittleEndian.Uint16(b[2:4]))
		if id == avEOL {
			return pairs, nil
		}
		if 4+n > len(b) {
			return nil, fmt.Errorf("%w: AV pair %d overruns target info", errMalformed, id)
		}
		pairs[id] = b[4 : 4+n]
		b = b[4+n:]
	}
	return nil, fmt.Errorf("%w: target info not terminated", errMalformed)
}

// authenticateMessage is a parsed AUTHENTICATE message.
type authenticateMessage struct {
	raw          []byte
	lmResponse   []byte
	ntResponse   []byte
	domain       string
	user         string
	workstation  string
	encryptedKey []byte
	flags        uint32
	// payloadStart is the lowest payload offset; a MIC fits only if it
	// is at least micOffset+micSize.
	payloadStart int
}

func parseAuthenticate(b []byte) (*authenticateMessage, error) {
	t, err := messageType(b)
	if err != nil {
		return nil, err
	}
	if t != authenticateMessageType {
		return nil, fmt.Errorf("%w: expected AUTHENTICATE, got message type %d", errMalformed, t)
	}
	if len(b) < authenticateHeaderSize {
		return nil, fmt.Errorf("%w: AUTHENTICATE too short", errMalformed)
	}

	m := &authenticateMessage{
		raw:          b,
		flags:        binary.LittleEndian.Uint32(b[60:64]),
		payloadStart: len(b),
	}
	if m.flags&flagNegotiateUnicode == 0 {
		return nil, fmt.Errorf("%w: OEM encoding is not supported", errMalformed)
	}

	fields := []struct {
		off int
		dst *[]byte
	}{
		{12, &m.lmResponse},
		{20, &m.ntResponse},
		{52, &m.encryptedKey},
	}
	for _, f := range fields {
		if *f.dst, err = varField(b, f.off); err != nil {
			return nil, err
		}
	}
	strs := []struct {
		off int
		dst *string
	}{
		{28, &m.domain},
		{36, &m.user},
		{44, &m.workstation},
	}
	for _, f := range strs {
		v, err := varField(b, f.off)
		if err != nil {
			return nil, err
		}
		*f.dst = decodeUTF16(v)
	}

	for _, off := range []int{12, 20, 28, 36, 44, 52} {
		if n, start := varFieldOffset(b, off); n > 0 && start < m.payloadStart {
			m.payloadStart = start
		}
	}
	return m, nil
}

// ntlmv2Response is the client's NTLMv2 response split into its parts.
type ntlmv2Response struct {
	proof     []byte // NTProofStr
	blob      []byte // NTLMv2_CLIENT_CHALLENGE
	timestamp time.Time
	avPairs   map[uint16][]byte
}

func parseNTLMv2Response(nt []byte) (*ntlmv2Response, error) {
	// NTProofStr(16) + RespType, HiRespType, reserved(6) + timestamp(8) +
	// client challenge(8) + reserved(4) + AV pairs
	const minLen = 16 + 28
	if len(nt) < minLen {
		return nil, fmt.Errorf("%w: NTLMv2 response too short", errMalformed)
	}
	blob := nt[16:]
	if blob[0] != 1 || blob[1] != 1 {
		return nil, fmt.Errorf("%w: unknown NTLMv2 response version %d.%d", errMalformed, blob[0], blob[1])
	}
	pairs, err := parseAVPairs(blob[28:])
	if err != nil {
		return nil, err
	}
	return &ntlmv2Response{
		proof:     nt[:16],
		blob:      blob,
		timestamp: filetimeToTime(binary.LittleEndian.Uint64(blob[8:16])),
		avPairs:   pairs,
	}, nil
}

const filetimeEpochDelta = 116444736000000000

func timeToFiletime(t time.Time) uint64 {
	return uint64(t.UnixNano()/100) + filetimeEpochDelta
}

func filetimeToTime(ft uint64) time.Time {
	if ft < filetimeEpochDelta {
		return time.Time{}
	}
	return time.Unix(0, int64(ft-filetimeEpochDelta)*100)
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

func decodeUTF16(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}
