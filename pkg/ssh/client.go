// Package ssh provides the SSH transport used to reach tenant VMs.
package ssh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/paasctl/paasctl/pkg/resilience"
)

// Client wraps an SSH connection to a single host.
type Client struct {
	config *ssh.ClientConfig
	host   string
	port   int
	conn   *ssh.Client
	mu     sync.Mutex
}

// NewClient creates an SSH client authenticating with the given key.
func NewClient(host string, port int, user, keyPath string) (*Client, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH key: %w", err)
	}

	config := &ssh.ClientConfig{
		User: user,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: host key verification modes (tofu/strict)
		Timeout:         60 * time.Second,
		ClientVersion:   "SSH-2.0-PaasCtl",
	}

	return &Client{
		config: config,
		host:   host,
		port:   port,
	}, nil
}

// Connect establishes the connection, retrying transient dial failures
// with exponential backoff. A failed handshake is not retried: bad
// credentials do not improve with waiting.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)

	return resilience.RetryWithBackoff(context.Background(), func() error {
		dialer := &net.Dialer{
			Timeout:   60 * time.Second,
			KeepAlive: 30 * time.Second,
		}

		tcpConn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return fmt.Errorf("TCP dial failed: %w", err)
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, c.config)
		if err != nil {
			tcpConn.Close()
			return resilience.Permanent(fmt.Errorf("SSH handshake failed: %w", err))
		}

		c.conn = ssh.NewClient(sshConn, chans, reqs)
		return nil
	},
		resilience.WithInitialDelay(time.Second),
		resilience.WithMaxDelay(10*time.Second),
		resilience.WithMaxElapsed(time.Minute),
		resilience.WithRetryClassifier(func(error) bool { return true }),
	)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected reports whether the client currently holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) session() (*ssh.Session, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		if err := c.Connect(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		conn = c.conn
		c.mu.Unlock()
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// Execute runs a command and returns its exit code plus combined output.
// A non-zero exit is not an error; err reports transport failures only.
func (c *Client) Execute(ctx context.Context, cmd string) (int, string, error) {
	session, err := c.session()
	if err != nil {
		return -1, "", err
	}
	defer session.Close()

	type result struct {
		output []byte
		err    error
	}
	done := make(chan result, 1)

	go func() {
		output, err := session.CombinedOutput(cmd)
		done <- result{output: output, err: err}
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		return -1, "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(res.err, &exitErr) {
				return exitErr.ExitStatus(), string(res.output), nil
			}
			return -1, string(res.output), fmt.Errorf("command failed: %w", res.err)
		}
		return 0, string(res.output), nil
	}
}

// ExecuteStream runs a command, writing output to the given writers as it
// arrives. Returns the command's exit code.
func (c *Client) ExecuteStream(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	session, err := c.session()
	if err != nil {
		return -1, err
	}
	defer session.Close()

	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGTERM)
		return -1, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitStatus(), nil
			}
			return -1, fmt.Errorf("command failed: %w", err)
		}
		return 0, nil
	}
}

// Upload writes a local file to the remote path with the given mode.
// Content travels base64-encoded over stdin so binary files survive.
func (c *Client) Upload(localPath, remotePath string, mode os.FileMode) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}
	return c.writeRemote(content, remotePath, mode)
}

func (c *Client) writeRemote(content []byte, remotePath string, mode os.FileMode) error {
	session, err := c.session()
	if err != nil {
		return err
	}
	defer session.Close()

	cmd := fmt.Sprintf("base64 -d > %s && chmod %o %s", remotePath, mode, remotePath)

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := session.Start(cmd); err != nil {
		return fmt.Errorf("failed to start upload: %w", err)
	}

	encoder := base64.NewEncoder(base64.StdEncoding, stdin)
	if _, err := encoder.Write(content); err != nil {
		stdin.Close()
		return fmt.Errorf("failed to write upload content: %w", err)
	}
	encoder.Close()
	stdin.Close()

	if err := session.Wait(); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	return nil
}

// Download copies a remote file to a local path. Content travels
// base64-encoded to survive binary files and odd shells.
func (c *Client) Download(ctx context.Context, remotePath, localPath string) error {
	code, output, err := c.Execute(ctx, fmt.Sprintf("base64 %s", remotePath))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("failed to read remote file %s: %s", remotePath, output)
	}

	content, err := base64.StdEncoding.DecodeString(output)
	if err != nil {
		return fmt.Errorf("failed to decode remote file %s: %w", remotePath, err)
	}
	if err := os.WriteFile(localPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write local file: %w", err)
	}
	return nil
}

// ListFiles returns the regular files under a remote directory, one
// path per line as reported by find.
func (c *Client) ListFiles(ctx context.Context, remoteDir string) ([]string, error) {
	code, output, err := c.Execute(ctx, fmt.Sprintf("find %s -type f", remoteDir))
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("failed to list %s: %s", remoteDir, output)
	}

	var files []string
	for _, line := range splitLines(output) {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
