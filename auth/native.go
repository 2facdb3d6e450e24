package auth

// Security package names accepted by native providers.
const (
	PackageNegotiate = "Negotiate"
	PackageKerberos  = "Kerberos"
	PackageNTLM      = "NTLM"
)

// NativeConfig configures a provider backed by an operating system or
// shared-library security package.
type NativeConfig struct {
	// PackageName is the security package; PackageNegotiate when empty.
	PackageName string
	// Principal names the service credential. Empty selects the default
	// credential of the process.
	Principal string
	// LibraryPath overrides the sspi-rs shared library location on
	// platforms without SSPI.
	LibraryPath string
}

// NativeProvider is a Provider that owns an inbound credential.
type NativeProvider interface {
	Provider
	// Credential returns the inbound credential handle for NewServerContext.
	Credential() CredentialHandle
	// MaxTokenSize is the package's largest token, suitable for WithMaxTokenSize.
	MaxTokenSize() int
	// Close releases the credential.
	Close() error
}

func (c NativeConfig) packageName() string {
	if c.PackageName == "" {
		return PackageNegotiate
	}
	return c.PackageName
}
