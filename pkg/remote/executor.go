// Package remote defines the narrow contract the state and rollback
// engine uses to reach a tenant VM: run a command, move files. The SSH
// implementation lives alongside; tests substitute fakes.
package remote

import "context"

// Executor runs commands and transfers files on a named host as a named
// user. A non-zero exit code is reported through the return value, not
// as an error; err covers transport failures only.
type Executor interface {
	// Execute runs a command and returns its exit code and combined output.
	Execute(ctx context.Context, host, user, command string) (int, string, error)

	// ExecuteStream runs a command, streaming output to the terminal as
	// it arrives. Used for long-running commands.
	ExecuteStream(ctx context.Context, host, user, command string) (int, error)

	// Upload copies a local path to a remote path, recursing into
	// directories when recursive is set.
	Upload(ctx context.Context, host, user, localPath, remotePath string, recursive bool) error

	// Download copies a remote path to a local path, recursing into
	// directories when recursive is set.
	Download(ctx context.Context, host, user, remotePath, localPath string, recursive bool) error
}

// Options configures remote execution. Debug is carried here explicitly
// instead of through process-wide state so each caller controls its own
// verbosity.
type Options struct {
	Port    int    // SSH port, default 22
	KeyPath string // private key path
	Debug   bool   // echo commands and stream their output
}

// DefaultOptions returns options for the standard SSH port with the
// given key.
func DefaultOptions(keyPath string) Options {
	return Options{Port: 22, KeyPath: keyPath}
}
