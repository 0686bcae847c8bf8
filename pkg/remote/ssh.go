package remote

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/paasctl/paasctl/pkg/formatter"
	"github.com/paasctl/paasctl/pkg/resilience"
	"github.com/paasctl/paasctl/pkg/ssh"
	"github.com/paasctl/paasctl/pkg/telemetry"
)

// SSHExecutor implements Executor over pooled SSH connections. Command
// dispatch goes through the shared SSH circuit breaker so a flapping VM
// fails fast instead of hanging every step.
type SSHExecutor struct {
	pool    *ssh.Pool
	opts    Options
	out     *formatter.Output
	breaker *resilience.ServiceBreaker
}

// NewSSHExecutor creates an executor with the given options.
func NewSSHExecutor(opts Options, out *formatter.Output) *SSHExecutor {
	if opts.Port == 0 {
		opts.Port = 22
	}
	if out == nil {
		out = formatter.New(false, false)
	}
	return &SSHExecutor{
		pool:    ssh.NewPool(),
		opts:    opts,
		out:     out,
		breaker: resilience.GetSSHBreaker(),
	}
}

// Close releases all pooled connections.
func (e *SSHExecutor) Close() error {
	return e.pool.CloseAll()
}

func (e *SSHExecutor) client(host, user string) (*ssh.Client, error) {
	return e.pool.GetOrCreate(host, e.opts.Port, user, e.opts.KeyPath)
}

// Execute runs a command on the host, returning exit code and output.
func (e *SSHExecutor) Execute(ctx context.Context, host, user, command string) (int, string, error) {
	ctx, span := telemetry.TraceSSH(ctx, host, command)
	defer span.End()

	if e.opts.Debug {
		e.out.Plain("$ %s", command)
	}

	client, err := e.client(host, user)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return -1, "", err
	}

	type execResult struct {
		code   int
		output string
	}
	res, err := resilience.ExecuteWithResult(e.breaker, func() (execResult, error) {
		code, output, err := client.Execute(ctx, command)
		return execResult{code: code, output: output}, err
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return -1, res.output, err
	}

	if e.opts.Debug && res.output != "" {
		e.out.Plain("%s", strings.TrimRight(res.output, "\n"))
	}
	return res.code, res.output, nil
}

// ExecuteStream runs a command, streaming its output to the terminal.
func (e *SSHExecutor) ExecuteStream(ctx context.Context, host, user, command string) (int, error) {
	ctx, span := telemetry.TraceSSH(ctx, host, command)
	defer span.End()

	if e.opts.Debug {
		e.out.Plain("$ %s", command)
	}

	client, err := e.client(host, user)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return -1, err
	}

	code, err := resilience.ExecuteWithResult(e.breaker, func() (int, error) {
		return client.ExecuteStream(ctx, command, os.Stdout, os.Stderr)
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return -1, err
	}
	return code, nil
}

// Upload copies a local file or directory tree to the remote path.
func (e *SSHExecutor) Upload(ctx context.Context, host, user, localPath, remotePath string, recursive bool) error {
	client, err := e.client(host, user)
	if err != nil {
		return err
	}

	if !recursive {
		return client.Upload(localPath, remotePath, 0644)
	}

	return filepath.WalkDir(localPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if code, output, err := client.Execute(ctx, fmt.Sprintf("mkdir -p %s", path.Dir(target))); err != nil {
			return err
		} else if code != 0 {
			return fmt.Errorf("failed to create remote directory %s: %s", path.Dir(target), output)
		}

		e.out.Verbose("uploading %s -> %s", p, target)
		return client.Upload(p, target, 0644)
	})
}

// Download copies a remote file or directory tree to the local path.
func (e *SSHExecutor) Download(ctx context.Context, host, user, remotePath, localPath string, recursive bool) error {
	client, err := e.client(host, user)
	if err != nil {
		return err
	}

	if !recursive {
		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return err
		}
		return client.Download(ctx, remotePath, localPath)
	}

	files, err := client.ListFiles(ctx, remotePath)
	if err != nil {
		return err
	}

	base := strings.TrimSuffix(remotePath, "/")
	for _, file := range files {
		rel := strings.TrimPrefix(strings.TrimPrefix(file, base), "/")
		target := filepath.Join(localPath, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		e.out.Verbose("downloading %s -> %s", file, target)
		if err := client.Download(ctx, file, target); err != nil {
			return err
		}
	}
	return nil
}
