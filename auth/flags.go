package auth

import (
	"fmt"
	"math/bits"
	"strings"
)

// ContextFlags are the ASC_REQ_* / ASC_RET_* context requirement bits.
type ContextFlags uint32

const (
	FlagDelegate        ContextFlags = 0x00000001
	FlagMutualAuth      ContextFlags = 0x00000002
	FlagReplayDetect    ContextFlags = 0x00000004
	FlagSequenceDetect  ContextFlags = 0x00000008
	FlagConfidentiality ContextFlags = 0x00000010
	FlagUseSessionKey   ContextFlags = 0x00000020
	// FlagAllocateMemory asks the provider to allocate output buffers. The
	// server context always supplies its own buffer, so the bit is cleared
	// from requested flags.
	FlagAllocateMemory ContextFlags = 0x00000100
	FlagUseDCEStyle    ContextFlags = 0x00000200
	FlagDatagram       ContextFlags = 0x00000400
	FlagConnection     ContextFlags = 0x00000800
	FlagExtendedError  ContextFlags = 0x00008000
	FlagStream         ContextFlags = 0x00010000
	FlagIntegrity      ContextFlags = 0x00020000
	FlagIdentify       ContextFlags = 0x00080000
)

var flagNames = []struct {
	flag ContextFlags
	name string
}{
	{FlagDelegate, "DELEGATE"},
	{FlagMutualAuth, "MUTUAL_AUTH"},
	{FlagReplayDetect, "REPLAY_DETECT"},
	{FlagSequenceDetect, "SEQUENCE_DETECT"},
	{FlagConfidentiality, "CONFIDENTIALITY"},
	{FlagUseSessionKey, "USE_SESSION_KEY"},
	{FlagAllocateMemory, "ALLOCATE_MEMORY"},
	{FlagUseDCEStyle, "USE_DCE_STYLE"},
	{FlagDatagram, "DATAGRAM"},
	{FlagConnection, "CONNECTION"},
	{FlagExtendedError, "EXTENDED_ERROR"},
	{FlagStream, "STREAM"},
	{FlagIntegrity, "INTEGRITY"},
	{FlagIdentify, "IDENTIFY"},
}

// Has reports whether all bits of want are set.
func (f ContextFlags) Has(want ContextFlags) bool {
	return f&want == want
}

// String renders the set bits joined by "|", e.g. "MUTUAL_AUTH|CONNECTION".
// Unknown bits are rendered in hex.
func (f ContextFlags) String() string {
	if f == 0 {
		return "0"
	}
	parts := make([]string, 0, bits.OnesCount32(uint32(f)))
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseContextFlags parses names as produced by String (case-insensitive).
func ParseContextFlags(names []string) (ContextFlags, error) {
	var f ContextFlags
	for _, n := range names {
		n = strings.ToUpper(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		found := false
		for _, fn := range flagNames {
			if fn.name == n {
				f |= fn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown context flag %q", n)
		}
	}
	return f, nil
}

// DataRepresentation is the byte ordering passed to the provider.
type DataRepresentation uint32

const (
	NetworkDataRepresentation DataRepresentation = 0x00000000
	NativeDataRepresentation  DataRepresentation = 0x00000010
)

func (d DataRepresentation) String() string {
	switch d {
	case NetworkDataRepresentation:
		return "network"
	case NativeDataRepresentation:
		return "native"
	default:
		return fmt.Sprintf("0x%X", uint32(d))
	}
}
