//go:build !windows

package auth

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

// SSPIRsProvider implements Provider with the server half of sspi-rs, loaded
// through purego. It gives non-Windows hosts the SSPI accept path without cgo.
// Impersonation is not available outside Windows.
type SSPIRsProvider struct {
	packageName string
	cred        secHandle
	lib         *sspiRsLib
}

// secHandle matches SSPI SecHandle (2 x uintptr).
type secHandle struct {
	dwLower uintptr
	dwUpper uintptr
}

// secBuffer matches SecBuffer. pvBuffer is a uintptr for purego FFI.
type secBuffer struct {
	cbBuffer   uint32
	BufferType uint32
	pvBuffer   uintptr
}

// secBufferDesc matches SecBufferDesc.
type secBufferDesc struct {
	ulVersion uint32
	cBuffers  uint32
	pBuffers  *secBuffer
}

// secPkgContextNamesA matches SecPkgContext_NamesA.
type secPkgContextNamesA struct {
	sUserName uintptr
}

const (
	secpkgCredInbound = 1
	secpkgAttrNames   = 1
	secbufferVersion  = 0
	sspiRsMaxToken    = 65536
)

// sspiRsLib holds the resolved sspi-rs entry points. Optional entries are nil
// when the library does not export them.
type sspiRsLib struct {
	handle uintptr

	acquireCredentialsHandleA func(principal, pkg uintptr, use uint32, logonID, authData, getKeyFn, getKeyArg, cred, expiry uintptr) int32
	acceptSecurityContext     func(cred, ctx, input uintptr, req, dataRep uint32, newCtx, output, attrs, expiry uintptr) int32
	completeAuthToken         func(ctx, token uintptr) int32
	deleteSecurityContext     func(ctx uintptr) int32
	freeCredentialsHandle     func(cred uintptr) int32

	queryContextAttributesA func(ctx uintptr, attr uint32, buf uintptr) int32
	freeContextBuffer       func(buf uintptr) int32
}

var (
	sspiRsOnce   sync.Once
	sspiRsShared *sspiRsLib
	sspiRsErr    error
)

// findSSPILibrary locates the sspi-rs shared library.
func findSSPILibrary(override string) (string, error) {
	for _, path := range []string{override, os.Getenv("SSPI_RS_LIB")} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	var libName string
	switch runtime.GOOS {
	case "darwin":
		libName = "libsspi.dylib"
	case "linux":
		libName = "libsspi.so"
	default:
		return "", fmt.Errorf("sspi-rs on %s: %w", runtime.GOOS, ErrNotSupported)
	}

	searchPaths := []string{
		filepath.Join(".", "lib", fmt.Sprintf("%s_%s", runtime.GOOS, runtime.GOARCH), libName),
		filepath.Join(".", libName),
		filepath.Join("/usr/local/lib", libName),
		filepath.Join("/usr/lib", libName),
	}
	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			abs, _ := filepath.Abs(path)
			return abs, nil
		}
	}

	return "", fmt.Errorf("sspi-rs library not found. Set SSPI_RS_LIB environment variable or place %s in search path", libName)
}

// loadSSPILibrary loads sspi-rs once per process.
func loadSSPILibrary(override string) (*sspiRsLib, error) {
	sspiRsOnce.Do(func() {
		sspiRsShared, sspiRsErr = openSSPILibrary(override)
	})
	return sspiRsShared, sspiRsErr
}

func openSSPILibrary(override string) (*sspiRsLib, error) {
	path, err := findSSPILibrary(override)
	if err != nil {
		return nil, err
	}

	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen %s: %w", path, err)
	}

	lib := &sspiRsLib{handle: h}
	required := []struct {
		fptr any
		name string
	}{
		{&lib.acquireCredentialsHandleA, "AcquireCredentialsHandleA"},
		{&lib.acceptSecurityContext, "AcceptSecurityContext"},
		{&lib.completeAuthToken, "CompleteAuthToken"},
		{&lib.deleteSecurityContext, "DeleteSecurityContext"},
		{&lib.freeCredentialsHandle, "FreeCredentialsHandle"},
	}
	for _, fn := range required {
		sym, err := purego.Dlsym(h, fn.name)
		if err != nil {
			_ = purego.Dlclose(h)
			return nil, fmt.Errorf("sspi-rs: missing symbol %s: %w", fn.name, err)
		}
		purego.RegisterFunc(fn.fptr, sym)
	}

	if sym, err := purego.Dlsym(h, "QueryContextAttributesA"); err == nil {
		purego.RegisterFunc(&lib.queryContextAttributesA, sym)
	}
	if sym, err := purego.Dlsym(h, "FreeContextBuffer"); err == nil {
		purego.RegisterFunc(&lib.freeContextBuffer, sym)
	}

	slog.Debug("sspi-rs: library loaded", "path", path)
	return lib, nil
}

// SSPIRsAvailable reports whether the sspi-rs library can be loaded.
func SSPIRsAvailable() bool {
	_, err := loadSSPILibrary("")
	return err == nil
}

// NewNativeProvider returns the sspi-rs provider.
func NewNativeProvider(cfg NativeConfig) (NativeProvider, error) {
	return NewSSPIRsProvider(cfg)
}

// NewSSPIRsProvider loads sspi-rs and acquires an inbound credential.
func NewSSPIRsProvider(cfg NativeConfig) (*SSPIRsProvider, error) {
	lib, err := loadSSPILibrary(cfg.LibraryPath)
	if err != nil {
		return nil, err
	}

	p := &SSPIRsProvider{packageName: cfg.packageName(), lib: lib}

	pkgName := append([]byte(p.packageName), 0)
	var principal uintptr
	var principalBuf []byte
	if cfg.Principal != "" {
		principalBuf = append([]byte(cfg.Principal), 0)
		principal = uintptr(unsafe.Pointer(&principalBuf[0]))
	}

	status := lib.acquireCredentialsHandleA(
		principal,
		uintptr(unsafe.Pointer(&pkgName[0])),
		secpkgCredInbound,
		0, 0, 0, 0,
		uintptr(unsafe.Pointer(&p.cred)),
		0,
	)
	runtime.KeepAlive(pkgName)
	runtime.KeepAlive(principalBuf)
	if status != 0 {
		return nil, fmt.Errorf("AcquireCredentialsHandleA failed: %s", Status(uint32(status)))
	}
	return p, nil
}

// Name returns the security package name.
func (p *SSPIRsProvider) Name() string { return "sspi-rs/" + p.packageName }

// Credential returns the inbound credential handle.
func (p *SSPIRsProvider) Credential() CredentialHandle {
	return CredentialHandle{Lower: p.cred.dwLower, Upper: p.cred.dwUpper}
}

// MaxTokenSize returns the output buffer size used with sspi-rs.
func (p *SSPIRsProvider) MaxTokenSize() int { return sspiRsMaxToken }

// Close releases the credential. The library stays loaded for the process.
func (p *SSPIRsProvider) Close() error {
	if p.cred == (secHandle{}) {
		return nil
	}
	status := p.lib.freeCredentialsHandle(uintptr(unsafe.Pointer(&p.cred)))
	p.cred = secHandle{}
	if status != 0 {
		return fmt.Errorf("FreeCredentialsHandle failed: %s", Status(uint32(status)))
	}
	return nil
}

// AcceptSecurityContext calls sspi-rs AcceptSecurityContext.
func (p *SSPIRsProvider) AcceptSecurityContext(req *AcceptRequest) (AcceptResult, Status) {
	raw := req.Output.Raw()
	if len(raw) == 0 {
		return AcceptResult{}, StatusBufferTooSmall
	}

	inBufs := make([]secBuffer, 0, len(req.Input))
	for _, b := range req.Input {
		sb := secBuffer{BufferType: uint32(b.Type())}
		if data := b.Bytes(); len(data) > 0 {
			sb.cbBuffer = uint32(len(data))
			sb.pvBuffer = uintptr(unsafe.Pointer(&data[0]))
		}
		inBufs = append(inBufs, sb)
	}
	var inDesc *secBufferDesc
	if len(inBufs) > 0 {
		inDesc = &secBufferDesc{ulVersion: secbufferVersion, cBuffers: uint32(len(inBufs)), pBuffers: &inBufs[0]}
	}

	outBuf := secBuffer{
		cbBuffer:   uint32(len(raw)),
		BufferType: uint32(BufferToken),
		pvBuffer:   uintptr(unsafe.Pointer(&raw[0])),
	}
	outDesc := secBufferDesc{ulVersion: secbufferVersion, cBuffers: 1, pBuffers: &outBuf}

	cred := secHandle{dwLower: req.Credential.Lower, dwUpper: req.Credential.Upper}
	var cur uintptr
	var next secHandle
	if req.Context != nil {
		next = secHandle{dwLower: req.Context.Lower, dwUpper: req.Context.Upper}
		cur = uintptr(unsafe.Pointer(&next))
	}

	var attrs uint32
	var expiry int64 // FILETIME
	status := Status(uint32(p.lib.acceptSecurityContext(
		uintptr(unsafe.Pointer(&cred)),
		cur,
		uintptr(unsafe.Pointer(inDesc)),
		uint32(req.Flags),
		uint32(req.DataRep),
		uintptr(unsafe.Pointer(&next)),
		uintptr(unsafe.Pointer(&outDesc)),
		uintptr(unsafe.Pointer(&attrs)),
		uintptr(unsafe.Pointer(&expiry)),
	)))
	runtime.KeepAlive(inBufs)
	runtime.KeepAlive(req.Input)
	runtime.KeepAlive(raw)

	res := AcceptResult{
		Context: ContextHandle{Lower: next.dwLower, Upper: next.dwUpper},
		Flags:   ContextFlags(attrs),
		Expiry:  filetimeToTime(expiry),
	}
	if status.IsError() {
		return res, status
	}
	if err := req.Output.SetLen(int(outBuf.cbBuffer)); err != nil {
		res.Err = err
		return res, StatusBufferTooSmall
	}
	return res, status
}

// filetimeToTime converts 100ns intervals since 1601 to time.Time. Zero and
// the "never expires" sentinel map to the zero time.
func filetimeToTime(ft int64) time.Time {
	const epochDelta = 116444736000000000
	if ft <= 0 || ft == 0x7FFFFFFFFFFFFFFF {
		return time.Time{}
	}
	return time.Unix(0, (ft-epochDelta)*100)
}

// CompleteAuthToken calls sspi-rs CompleteAuthToken on the output token.
func (p *SSPIRsProvider) CompleteAuthToken(h ContextHandle, out *Buffer) Status {
	raw := out.Raw()
	if len(raw) == 0 {
		return StatusBufferTooSmall
	}
	sb := secBuffer{cbBuffer: uint32(out.Len()), BufferType: uint32(BufferToken), pvBuffer: uintptr(unsafe.Pointer(&raw[0]))}
	desc := secBufferDesc{ulVersion: secbufferVersion, cBuffers: 1, pBuffers: &sb}
	ctx := secHandle{dwLower: h.Lower, dwUpper: h.Upper}

	status := Status(uint32(p.lib.completeAuthToken(uintptr(unsafe.Pointer(&ctx)), uintptr(unsafe.Pointer(&desc)))))
	runtime.KeepAlive(raw)
	if status != StatusOK {
		return status
	}
	if err := out.SetLen(int(sb.cbBuffer)); err != nil {
		return StatusBufferTooSmall
	}
	return StatusOK
}

// QuerySecurityContextToken returns the client name reported by
// SECPKG_ATTR_NAMES. sspi-rs has no OS access token to hand out.
func (p *SSPIRsProvider) QuerySecurityContextToken(h ContextHandle) (AccessToken, Status) {
	if p.lib.queryContextAttributesA == nil {
		return nil, StatusUnsupportedFunction
	}
	ctx := secHandle{dwLower: h.Lower, dwUpper: h.Upper}
	var names secPkgContextNamesA
	status := Status(uint32(p.lib.queryContextAttributesA(
		uintptr(unsafe.Pointer(&ctx)), secpkgAttrNames, uintptr(unsafe.Pointer(&names)))))
	if status != StatusOK {
		return nil, status
	}
	if names.sUserName == 0 {
		return nil, StatusInternalError
	}

	name := cString(names.sUserName)
	if p.lib.freeContextBuffer != nil {
		p.lib.freeContextBuffer(names.sUserName)
	}
	return PrincipalToken(name), StatusOK
}

// cString copies a NUL-terminated C string.
func cString(ptr uintptr) string {
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(ptr), n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

// ImpersonateSecurityContext is not available outside Windows.
func (p *SSPIRsProvider) ImpersonateSecurityContext(ContextHandle) Status {
	return StatusNoImpersonation
}

// RevertSecurityContext is not available outside Windows.
func (p *SSPIRsProvider) RevertSecurityContext(ContextHandle) Status {
	return StatusNoImpersonation
}

// DeleteSecurityContext releases the sspi-rs context.
func (p *SSPIRsProvider) DeleteSecurityContext(h ContextHandle) Status {
	ctx := secHandle{dwLower: h.Lower, dwUpper: h.Upper}
	return Status(uint32(p.lib.deleteSecurityContext(uintptr(unsafe.Pointer(&ctx)))))
}

// EnableImpersonationPrivilege always fails outside Windows.
func EnableImpersonationPrivilege() error {
	return fmt.Errorf("impersonation privilege: %w", ErrNotSupported)
}
