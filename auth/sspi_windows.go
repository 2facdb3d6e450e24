//go:build windows

package auth

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"
	"unsafe"

	"github.com/Microsoft/go-winio"
	"github.com/alexbrainman/sspi"
	"golang.org/x/sys/windows"
)

var procQuerySecurityContextToken = windows.NewLazySystemDLL("secur32.dll").NewProc("QuerySecurityContextToken")

// SSPIProvider implements Provider using the Windows SSPI inbound path.
// It holds the service credential for its lifetime.
type SSPIProvider struct {
	packageName string
	cred        *sspi.Credentials
	maxToken    int
}

// NewNativeProvider returns the Windows SSPI provider.
func NewNativeProvider(cfg NativeConfig) (NativeProvider, error) {
	return NewSSPIProvider(cfg)
}

// NewSSPIProvider acquires an inbound credential for the configured package.
func NewSSPIProvider(cfg NativeConfig) (*SSPIProvider, error) {
	pkg := cfg.packageName()

	pkgInfo, err := sspi.QueryPackageInfo(pkg)
	if err != nil {
		return nil, fmt.Errorf("query SSPI package: %w", err)
	}

	cred, err := sspi.AcquireCredentials(cfg.Principal, pkg, sspi.SECPKG_CRED_INBOUND, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire inbound credentials: %w", err)
	}

	slog.Debug("SSPI: acquired inbound credentials",
		"package", pkg,
		"principal", cfg.Principal,
		"max_size", pkgInfo.MaxToken,
		"expiry", cred.Expiry())

	return &SSPIProvider{
		packageName: pkg,
		cred:        cred,
		maxToken:    int(pkgInfo.MaxToken),
	}, nil
}

// EnableImpersonationPrivilege enables SeImpersonatePrivilege on the process
// token. Service accounts hold it by default; interactive processes may not.
func EnableImpersonationPrivilege() error {
	if err := winio.EnableProcessPrivileges([]string{"SeImpersonatePrivilege"}); err != nil {
		return fmt.Errorf("enable SeImpersonatePrivilege: %w", err)
	}
	return nil
}

// Name returns the security package name.
func (p *SSPIProvider) Name() string { return "sspi/" + p.packageName }

// Credential returns the inbound credential handle.
func (p *SSPIProvider) Credential() CredentialHandle {
	return CredentialHandle{Lower: p.cred.Handle.Lower, Upper: p.cred.Handle.Upper}
}

// MaxTokenSize returns the package's maximum token size.
func (p *SSPIProvider) MaxTokenSize() int { return p.maxToken }

// Close releases the credential.
func (p *SSPIProvider) Close() error {
	if p.cred == nil {
		return nil
	}
	err := p.cred.Release()
	p.cred = nil
	if err != nil {
		return fmt.Errorf("release credentials: %w", err)
	}
	return nil
}

func toCtxtHandle(h ContextHandle) *sspi.CtxtHandle {
	return &sspi.CtxtHandle{Lower: h.Lower, Upper: h.Upper}
}

// AcceptSecurityContext calls SSPI AcceptSecurityContext. The output buffer
// is handed to SSPI directly, so ASC_REQ_ALLOCATE_MEMORY must not be set.
func (p *SSPIProvider) AcceptSecurityContext(req *AcceptRequest) (AcceptResult, Status) {
	raw := req.Output.Raw()
	if len(raw) == 0 {
		return AcceptResult{}, StatusBufferTooSmall
	}

	in := make([]sspi.SecBuffer, len(req.Input))
	for i, b := range req.Input {
		in[i].Set(uint32(b.Type()), b.Bytes())
	}
	out := []sspi.SecBuffer{{
		BufferType: sspi.SECBUFFER_TOKEN,
		BufferSize: uint32(len(raw)),
		Buffer:     &raw[0],
	}}

	var inDesc *sspi.SecBufferDesc
	if len(in) > 0 {
		inDesc = sspi.NewSecBufferDesc(in)
	}

	cred := sspi.CredHandle{Lower: req.Credential.Lower, Upper: req.Credential.Upper}
	var cur, next *sspi.CtxtHandle
	if req.Context != nil {
		cur = toCtxtHandle(*req.Context)
		next = cur
	} else {
		next = new(sspi.CtxtHandle)
	}

	var attrs uint32
	var expiry syscall.Filetime
	ret := sspi.AcceptSecurityContext(&cred, cur, inDesc,
		uint32(req.Flags), uint32(req.DataRep),
		next, sspi.NewSecBufferDesc(out), &attrs, &expiry)

	res := AcceptResult{
		Context: ContextHandle{Lower: next.Lower, Upper: next.Upper},
		Flags:   ContextFlags(attrs),
	}
	if expiry.HighDateTime != 0 || expiry.LowDateTime != 0 {
		res.Expiry = time.Unix(0, expiry.Nanoseconds())
	}

	status := Status(uint32(ret))
	if status.IsError() {
		res.Err = ret
		return res, status
	}
	if err := req.Output.SetLen(int(out[0].BufferSize)); err != nil {
		res.Err = err
		return res, StatusBufferTooSmall
	}
	return res, status
}

// CompleteAuthToken finishes a token that SSPI returned with
// SEC_I_COMPLETE_NEEDED or SEC_I_COMPLETE_AND_CONTINUE.
func (p *SSPIProvider) CompleteAuthToken(h ContextHandle, out *Buffer) Status {
	raw := out.Raw()
	if len(raw) == 0 {
		return StatusBufferTooSmall
	}
	sb := []sspi.SecBuffer{{
		BufferType: sspi.SECBUFFER_TOKEN,
		BufferSize: uint32(out.Len()),
		Buffer:     &raw[0],
	}}
	ret := sspi.CompleteAuthToken(toCtxtHandle(h), sspi.NewSecBufferDesc(sb))
	if ret != sspi.SEC_E_OK {
		return Status(uint32(ret))
	}
	if err := out.SetLen(int(sb[0].BufferSize)); err != nil {
		return StatusBufferTooSmall
	}
	return StatusOK
}

// QuerySecurityContextToken returns the client's Windows access token.
func (p *SSPIProvider) QuerySecurityContextToken(h ContextHandle) (AccessToken, Status) {
	var tok windows.Token
	r, _, _ := procQuerySecurityContextToken.Call(
		uintptr(unsafe.Pointer(toCtxtHandle(h))),
		uintptr(unsafe.Pointer(&tok)),
	)
	if r != 0 {
		return nil, Status(uint32(r))
	}

	principal, err := tokenPrincipal(tok)
	if err != nil {
		slog.Debug("SSPI: could not resolve token user", "error", err)
	}
	return &windowsAccessToken{token: tok, principal: principal}, StatusOK
}

func tokenPrincipal(tok windows.Token) (string, error) {
	user, err := tok.GetTokenUser()
	if err != nil {
		return "", fmt.Errorf("get token user: %w", err)
	}
	account, domain, _, err := user.User.Sid.LookupAccount("")
	if err != nil {
		return user.User.Sid.String(), fmt.Errorf("lookup account: %w", err)
	}
	if domain == "" {
		return account, nil
	}
	return domain + `\` + account, nil
}

// windowsAccessToken wraps a primary token handle owned by the caller.
type windowsAccessToken struct {
	token     windows.Token
	principal string
}

func (t *windowsAccessToken) Principal() string { return t.principal }

// Token exposes the raw handle for APIs such as CreateProcessAsUser.
func (t *windowsAccessToken) Token() windows.Token { return t.token }

func (t *windowsAccessToken) Close() error {
	if t.token == 0 {
		return nil
	}
	err := t.token.Close()
	t.token = 0
	if err != nil {
		return fmt.Errorf("close access token: %w", err)
	}
	return nil
}

func (p *SSPIProvider) ImpersonateSecurityContext(h ContextHandle) Status {
	return Status(uint32(sspi.ImpersonateSecurityContext(toCtxtHandle(h))))
}

func (p *SSPIProvider) RevertSecurityContext(h ContextHandle) Status {
	return Status(uint32(sspi.RevertSecurityContext(toCtxtHandle(h))))
}

func (p *SSPIProvider) DeleteSecurityContext(h ContextHandle) Status {
	ret := sspi.DeleteSecurityContext(toCtxtHandle(h))
	if ret != sspi.SEC_E_OK {
		return Status(uint32(ret))
	}
	return StatusOK
}
