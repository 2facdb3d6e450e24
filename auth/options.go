package auth

import "log/slog"

// Option configures a ServerContext.
type Option func(*options)

type options struct {
	flags        ContextFlags
	dataRep      DataRepresentation
	maxTokenSize int
	bindings     *ChannelBindings
	logger       *slog.Logger
	metrics      *HandshakeMetrics
	events       *SecurityLogger
	peer         string
}

func defaultOptions() options {
	return options{
		dataRep:      NativeDataRepresentation,
		maxTokenSize: DefaultMaxTokenSize,
	}
}

// WithFlags sets the requested context flags. FlagAllocateMemory is ignored.
func WithFlags(f ContextFlags) Option {
	return func(o *options) { o.flags = f }
}

// WithDataRepresentation sets the data representation passed to the provider.
func WithDataRepresentation(d DataRepresentation) Option {
	return func(o *options) { o.dataRep = d }
}

// WithMaxTokenSize sets the per-round output buffer capacity.
func WithMaxTokenSize(n int) Option {
	return func(o *options) { o.maxTokenSize = n }
}

// WithChannelBindings passes channel bindings to the provider on every round.
func WithChannelBindings(b *ChannelBindings) Option {
	return func(o *options) { o.bindings = b }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records rounds and outcomes in m.
func WithMetrics(m *HandshakeMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSecurityLogger writes audit events for the handshake.
func WithSecurityLogger(l *SecurityLogger) Option {
	return func(o *options) { o.events = l }
}

// WithPeer names the remote party in logs and audit events.
func WithPeer(addr string) Option {
	return func(o *options) { o.peer = addr }
}
