package remote

import "time"

// Fixed timeout catalog. Every operation class gets its budget from here;
// call sites must not invent their own durations.
const (
	// DialTimeout bounds connection establishment, including the SSH
	// handshake and the SFTP subsystem open.
	DialTimeout = 30 * time.Second

	// ExecTimeout is the default budget for non-interactive remote commands.
	ExecTimeout = 60 * time.Second

	// ChannelCloseTimeout bounds closing an SFTP handle or exec channel.
	ChannelCloseTimeout = 5 * time.Second

	// HomeDirTimeout bounds the one-time home directory resolution.
	HomeDirTimeout = 10 * time.Second

	// ReadRoundTimeout bounds a single directory read round.
	ReadRoundTimeout = 20 * time.Second

	// RemoteUnzipTimeout bounds decompression of an uploaded archive; large
	// folder uploads legitimately take a while.
	RemoteUnzipTimeout = 30 * time.Minute

	// DefaultKeepAlive is used when a connection has no keep-alive interval
	// configured.
	DefaultKeepAlive = 30 * time.Second
)
