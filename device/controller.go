// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// defaultCommandTimeout bounds one remote command. Decrypt runs are
// the longest thing the device does; two minutes covers large apps.
const defaultCommandTimeout = 2 * time.Minute

// Config holds configuration for creating a Controller.
type Config struct {
	// Host is the device's address. Required.
	Host string
	// Port is the SSH port. If zero, 22 is used.
	Port int
	// User is the SSH user. If empty, "root" is used.
	User string
	// Password authenticates when KeyFile is empty or key auth fails.
	Password string
	// KeyFile is a path to an OpenSSH private key.
	KeyFile string
	// CommandTimeout bounds a single Run call. If zero,
	// defaultCommandTimeout is used.
	CommandTimeout time.Duration
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Controller owns the SSH connection to the device. It dials lazily on
// first use and redials after transport failures. Safe for concurrent
// use, though the executor above it is strictly sequential.
type Controller struct {
	addr           string
	sshConfig      *ssh.ClientConfig
	commandTimeout time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	conn transport

	// dial is replaceable in tests.
	dial func(ctx context.Context) (transport, error)
}

// NewController creates a controller. It does not dial; the first
// operation does.
func NewController(config Config) (*Controller, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("device: Host is required")
	}
	if config.Password == "" && config.KeyFile == "" {
		return nil, fmt.Errorf("device: Password or KeyFile is required")
	}

	var auth []ssh.AuthMethod
	if config.KeyFile != "" {
		keyBytes, err := os.ReadFile(config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("device: reading key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("device: parsing key file %s: %w", config.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if config.Password != "" {
		auth = append(auth, ssh.Password(config.Password))
	}

	port := config.Port
	if port == 0 {
		port = 22
	}
	user := config.User
	if user == "" {
		user = "root"
	}
	commandTimeout := config.CommandTimeout
	if commandTimeout == 0 {
		commandTimeout = defaultCommandTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	controller := &Controller{
		addr: net.JoinHostPort(config.Host, fmt.Sprintf("%d", port)),
		sshConfig: &ssh.ClientConfig{
			User: user,
			Auth: auth,
			// The device's host key changes with every restore, and
			// it lives on the same LAN as the bot. Pinning would make
			// every jailbreak reinstall a manual intervention.
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         15 * time.Second,
		},
		commandTimeout: commandTimeout,
		logger:         logger,
	}
	controller.dial = controller.dialSSH
	return controller, nil
}

// EnsureConnected establishes the connection if there is none.
// Idempotent; every operation calls it.
func (c *Controller) EnsureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("device connected", "addr", c.addr)
	c.conn = conn
	return nil
}

// Close drops the connection. The controller remains usable; the next
// operation redials.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.close()
	c.conn = nil
	return err
}

// Run executes a shell command on the device and returns its stdout.
// A non-zero exit is a *CommandError; transport failures drop the
// connection and come back as *ConnError.
func (c *Controller) Run(ctx context.Context, command string) (string, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.commandTimeout)
	defer cancel()

	result, err := conn.run(ctx, command)
	if err != nil {
		c.drop(conn)
		return "", &ConnError{Op: "run " + command, Err: err}
	}
	if result.exitStatus != 0 {
		return "", &CommandError{
			Cmd:        command,
			ExitStatus: result.exitStatus,
			Stderr:     strings.TrimSpace(result.stderr),
		}
	}
	return result.stdout, nil
}

// FileExists reports whether a remote path exists.
func (c *Controller) FileExists(ctx context.Context, path string) (bool, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return false, err
	}
	if _, err := conn.stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		c.drop(conn)
		return false, &ConnError{Op: "stat " + path, Err: err}
	}
	return true, nil
}

// Upload copies a local file to the device over SFTP.
func (c *Controller) Upload(ctx context.Context, localPath, remotePath string) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	source, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("device: opening %s: %w", localPath, err)
	}
	defer source.Close()

	destination, err := conn.create(remotePath)
	if err != nil {
		c.drop(conn)
		return &ConnError{Op: "create " + remotePath, Err: err}
	}
	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		c.drop(conn)
		return &ConnError{Op: "upload " + remotePath, Err: err}
	}
	if err := destination.Close(); err != nil {
		c.drop(conn)
		return &ConnError{Op: "upload " + remotePath, Err: err}
	}
	return nil
}

// Download copies a remote file to a local path over SFTP.
func (c *Controller) Download(ctx context.Context, remotePath, localPath string) error {
	conn, err := c.connection(ctx)
	if err != nil {
		return err
	}
	source, err := conn.open(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("device: remote file %s does not exist", remotePath)
		}
		c.drop(conn)
		return &ConnError{Op: "open " + remotePath, Err: err}
	}
	defer source.Close()

	destination, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("device: creating %s: %w", localPath, err)
	}
	defer destination.Close()

	if _, err := io.Copy(destination, source); err != nil {
		c.drop(conn)
		return &ConnError{Op: "download " + remotePath, Err: err}
	}
	return nil
}

// Delete removes a remote path, directories included.
func (c *Controller) Delete(ctx context.Context, path string) error {
	_, err := c.Run(ctx, "rm -rf "+quoteArg(path))
	return err
}

// List returns the entry names in a remote directory.
func (c *Controller) List(ctx context.Context, path string) ([]string, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := conn.readDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		c.drop(conn)
		return nil, &ConnError{Op: "list " + path, Err: err}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// connection returns the live transport, dialing if needed.
func (c *Controller) connection(ctx context.Context) (transport, error) {
	if err := c.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, nil
}

// drop discards conn if it is still the current connection. Another
// goroutine may have already dropped and redialed; never close a
// successor.
func (c *Controller) drop(conn transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.logger.Warn("device connection dropped", "addr", c.addr)
	c.conn.close()
	c.conn = nil
}

// quoteArg single-quotes a string for the remote shell.
func quoteArg(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// commandResult is the outcome of one remote command.
type commandResult struct {
	stdout     string
	stderr     string
	exitStatus int
}

// transport abstracts the SSH/SFTP connection so tests can run the
// controller against a scripted fake.
type transport interface {
	run(ctx context.Context, command string) (commandResult, error)
	stat(path string) (fs.FileInfo, error)
	open(path string) (io.ReadCloser, error)
	create(path string) (io.WriteCloser, error)
	readDir(path string) ([]fs.FileInfo, error)
	close() error
}

// dialSSH establishes the TCP, SSH, and SFTP layers.
func (c *Controller) dialSSH(ctx context.Context) (transport, error) {
	netConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, &ConnError{Op: "dial " + c.addr, Err: err}
	}
	sshConn, channels, requests, err := ssh.NewClientConn(netConn, c.addr, c.sshConfig)
	if err != nil {
		netConn.Close()
		return nil, &ConnError{Op: "ssh handshake", Err: err}
	}
	client := ssh.NewClient(sshConn, channels, requests)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, &ConnError{Op: "sftp subsystem", Err: err}
	}
	return &sshTransport{client: client, sftp: sftpClient}, nil
}

// sshTransport is the production transport over x/crypto/ssh and
// pkg/sftp.
type sshTransport struct {
	client *ssh.Client
	sftp   *sftp.Client
}

func (t *sshTransport) run(ctx context.Context, command string) (commandResult, error) {
	session, err := t.client.NewSession()
	if err != nil {
		return commandResult{}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return commandResult{}, err
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		// Closing the session unblocks Wait; the command may keep
		// running on the device but we stop waiting for it.
		session.Close()
		<-done
		return commandResult{}, ctx.Err()
	}

	result := commandResult{stdout: stdout.String(), stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.exitStatus = exitErr.ExitStatus()
			return result, nil
		}
		return result, err
	}
	return result, nil
}

func (t *sshTransport) stat(path string) (fs.FileInfo, error) {
	return t.sftp.Stat(path)
}

func (t *sshTransport) open(path string) (io.ReadCloser, error) {
	return t.sftp.Open(path)
}

func (t *sshTransport) create(path string) (io.WriteCloser, error) {
	return t.sftp.Create(path)
}

func (t *sshTransport) readDir(path string) ([]fs.FileInfo, error) {
	return t.sftp.ReadDir(path)
}

func (t *sshTransport) close() error {
	t.sftp.Close()
	return t.client.Close()
}
