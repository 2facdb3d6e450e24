//go:build !windows

package auth

import (
	"errors"
	"testing"
)

func TestEnableImpersonationPrivilege_Unsupported(t *testing.T) {
	if err := EnableImpersonationPrivilege(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("EnableImpersonationPrivilege() = %v, want ErrNotSupported", err)
	}
}

func TestSSPIRsProvider(t *testing.T) {
	if !SSPIRsAvailable() {
		t.Skip("sspi-rs library not installed")
	}

	p, err := NewSSPIRsProvider(NativeConfig{PackageName: "NTLM"})
	if err != nil {
		t.Fatalf("NewSSPIRsProvider: %v", err)
	}
	defer p.Close()

	if p.MaxTokenSize() <= 0 {
		t.Errorf("MaxTokenSize = %d", p.MaxTokenSize())
	}
	if p.Credential().IsZero() {
		t.Error("credential handle is zero")
	}

	if st := p.ImpersonateSecurityContext(ContextHandle{}); st != StatusNoImpersonation {
		t.Errorf("ImpersonateSecurityContext = %v, want %v", st, StatusNoImpersonation)
	}
}
