package auth

import (
	"fmt"
	"time"
)

// CredentialHandle is an opaque provider credential (an SSPI CredHandle).
// It is owned by the caller and must outlive every ServerContext using it.
type CredentialHandle struct {
	Lower uintptr
	Upper uintptr
}

// IsZero reports whether h is the zero handle.
func (h CredentialHandle) IsZero() bool { return h.Lower == 0 && h.Upper == 0 }

// ContextHandle is an opaque provider security context (an SSPI CtxtHandle).
type ContextHandle struct {
	Lower uintptr
	Upper uintptr
}

// IsZero reports whether h is the zero handle.
func (h ContextHandle) IsZero() bool { return h.Lower == 0 && h.Upper == 0 }

func (h ContextHandle) String() string {
	return fmt.Sprintf("%x:%x", h.Upper, h.Lower)
}

// AcceptRequest carries the arguments of one AcceptSecurityContext call.
type AcceptRequest struct {
	Credential CredentialHandle
	// Context is nil on the first round and the handle returned by the
	// previous round afterwards.
	Context *ContextHandle
	// Input holds the client token buffer, optionally followed by a
	// BufferChannelBindings buffer.
	Input   []*Buffer
	Flags   ContextFlags
	DataRep DataRepresentation
	// Output receives the response token. Providers must fail with
	// StatusBufferTooSmall rather than truncate.
	Output *Buffer
}

// InputToken returns the first BufferToken input, or nil.
func (r *AcceptRequest) InputToken() []byte {
	return r.inputOf(BufferToken)
}

// ChannelBindings returns the BufferChannelBindings input, or nil.
func (r *AcceptRequest) ChannelBindings() []byte {
	return r.inputOf(BufferChannelBindings)
}

func (r *AcceptRequest) inputOf(t BufferType) []byte {
	for _, b := range r.Input {
		if b != nil && b.Type() == t {
			return b.Bytes()
		}
	}
	return nil
}

// AcceptResult is what a provider reports alongside the status of an
// AcceptSecurityContext call. Flags and Expiry are recorded even when the
// status is a failure.
type AcceptResult struct {
	// Context is the (possibly newly allocated) context handle. Providers
	// that allocate a handle on a failing first round must still return it
	// so the caller can delete it.
	Context ContextHandle
	Flags   ContextFlags
	Expiry  time.Time
	// Err optionally explains a failure status.
	Err error
}

// AccessToken is the authenticated principal's token. Close releases it.
type AccessToken interface {
	// Principal names the authenticated user, e.g. "DOMAIN\user" or "user@REALM".
	Principal() string
	Close() error
}

// Provider is the security package that a ServerContext drives. It mirrors the
// server-side subset of the SSPI function table.
//
// # Thread Safety
//
// Implementations must tolerate concurrent calls on distinct context handles.
// Calls on a single handle are serialized by its ServerContext.
type Provider interface {
	AcceptSecurityContext(req *AcceptRequest) (AcceptResult, Status)
	CompleteAuthToken(h ContextHandle, out *Buffer) Status
	QuerySecurityContextToken(h ContextHandle) (AccessToken, Status)
	ImpersonateSecurityContext(h ContextHandle) Status
	RevertSecurityContext(h ContextHandle) Status
	DeleteSecurityContext(h ContextHandle) Status
}

// Named is implemented by providers that report a package name for logs.
type Named interface {
	Name() string
}

func providerName(p Provider) string {
	if n, ok := p.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

// PrincipalToken is a minimal AccessToken for providers without an OS token.
type PrincipalToken string

// Principal returns the principal name.
func (t PrincipalToken) Principal() string { return string(t) }

// Close is a no-op.
func (t PrincipalToken) Close() error { return nil }
