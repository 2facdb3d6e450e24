package auth

import "fmt"

// Status is a raw security provider status code (an SSPI SECURITY_STATUS).
// Values with the high bit set are failures.
type Status uint32

// Success and informational statuses that drive the handshake.
const (
	StatusOK                  Status = 0x00000000
	StatusContinueNeeded      Status = 0x00090312
	StatusCompleteNeeded      Status = 0x00090313
	StatusCompleteAndContinue Status = 0x00090314
)

// Common failure statuses. Providers may return any other code; it is
// carried through unchanged in NegotiationError.
const (
	StatusInvalidHandle       Status = 0x80090301
	StatusUnsupportedFunction Status = 0x80090302
	StatusTargetUnknown       Status = 0x80090303
	StatusInternalError       Status = 0x80090304
	StatusInvalidToken        Status = 0x80090308
	StatusNoImpersonation     Status = 0x8009030B
	StatusLogonDenied         Status = 0x8009030C
	StatusNoCredentials       Status = 0x8009030E
	StatusContextExpired      Status = 0x80090317
	StatusBufferTooSmall      Status = 0x80090321
	StatusWrongPrincipal      Status = 0x80090322
	StatusTimeSkew            Status = 0x80090324
	StatusBadBindings         Status = 0x80090346
)

var statusNames = map[Status]string{
	StatusOK:                  "SEC_E_OK",
	StatusContinueNeeded:      "SEC_I_CONTINUE_NEEDED",
	StatusCompleteNeeded:      "SEC_I_COMPLETE_NEEDED",
	StatusCompleteAndContinue: "SEC_I_COMPLETE_AND_CONTINUE",
	StatusInvalidHandle:       "SEC_E_INVALID_HANDLE",
	StatusUnsupportedFunction: "SEC_E_UNSUPPORTED_FUNCTION",
	StatusTargetUnknown:       "SEC_E_TARGET_UNKNOWN",
	StatusInternalError:       "SEC_E_INTERNAL_ERROR",
	StatusInvalidToken:        "SEC_E_INVALID_TOKEN",
	StatusNoImpersonation:     "SEC_E_NO_IMPERSONATION",
	StatusLogonDenied:         "SEC_E_LOGON_DENIED",
	StatusNoCredentials:       "SEC_E_NO_CREDENTIALS",
	StatusContextExpired:      "SEC_E_CONTEXT_EXPIRED",
	StatusBufferTooSmall:      "SEC_E_BUFFER_TOO_SMALL",
	StatusWrongPrincipal:      "SEC_E_WRONG_PRINCIPAL",
	StatusTimeSkew:            "SEC_E_TIME_SKEW",
	StatusBadBindings:         "SEC_E_BAD_BINDINGS",
}

// String returns the symbolic name for known codes and the hex value otherwise.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return fmt.Sprintf("%s (0x%08X)", name, uint32(s))
	}
	return fmt.Sprintf("0x%08X", uint32(s))
}

// IsError reports whether s is a failure code.
func (s Status) IsError() bool {
	return s&0x80000000 != 0
}

// roundAction is what the round driver does with a status returned from
// AcceptSecurityContext.
type roundAction struct {
	complete bool // call CompleteAuthToken before exposing the token
	again    bool // the client must send another token
}

// roundActions is the decision table for accept statuses. A status missing
// from the table fails the round.
var roundActions = map[Status]roundAction{
	StatusOK:                  {},
	StatusContinueNeeded:      {again: true},
	StatusCompleteNeeded:      {complete: true},
	StatusCompleteAndContinue: {complete: true, again: true},
}
