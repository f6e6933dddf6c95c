// Package remote runs shell commands on project services over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Runner executes a shell command line on a service addressed by hostname.
type Runner interface {
	Run(ctx context.Context, hostname, command string) (string, error)
}

var ErrUnreachable = errors.New("remote channel unreachable")

// CommandError is a command that ran and exited non-zero.
type CommandError struct {
	Host       string
	Command    string
	ExitStatus int
	Output     string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command on %s exited %d: %s", e.Host, e.ExitStatus, truncate(strings.TrimSpace(e.Output), 256))
}

// SSHRunner dials one connection per command.
type SSHRunner struct {
	User           string
	Port           int
	KeyFile        string
	KnownHostsFile string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	once      sync.Once
	config    *ssh.ClientConfig
	configErr error
}

// Run executes command on hostname. Dial and handshake failures wrap
// ErrUnreachable; non-zero exits return *CommandError with the output.
func (r *SSHRunner) Run(ctx context.Context, hostname, command string) (string, error) {
	cfg, err := r.clientConfig()
	if err != nil {
		return "", err
	}
	if r.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.CommandTimeout)
		defer cancel()
	}

	client, err := r.dial(ctx, hostname, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreachable, hostname, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: %s: open session: %v", ErrUnreachable, hostname, err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return "", fmt.Errorf("command on %s: %w", hostname, ctx.Err())
	case res := <-done:
		out := string(res.out)
		if res.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(res.err, &exitErr) {
				return out, &CommandError{Host: hostname, Command: command, ExitStatus: exitErr.ExitStatus(), Output: out}
			}
			return out, fmt.Errorf("command on %s failed: %w", hostname, res.err)
		}
		log.Trace().Str("host", hostname).Str("cmd", command).Int("bytes", len(out)).Msg("remote command done")
		return out, nil
	}
}

func (r *SSHRunner) dial(ctx context.Context, hostname string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	port := r.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(hostname, strconv.Itoa(port))

	dialCtx := ctx
	if r.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.ConnectTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if r.ConnectTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(r.ConnectTimeout))
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (r *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	r.once.Do(func() {
		r.config, r.configErr = r.buildConfig()
	})
	return r.config, r.configErr
}

func (r *SSHRunner) buildConfig() (*ssh.ClientConfig, error) {
	if r.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	auth, err := r.authMethod()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if r.KnownHostsFile != "" {
		hostKeyCallback, err = knownhosts.New(r.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts %s: %w", r.KnownHostsFile, err)
		}
	} else {
		log.Warn().Msg("no known hosts file configured, host keys are not verified")
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            r.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeyCallback,
		Timeout:         r.ConnectTimeout,
	}, nil
}

func (r *SSHRunner) authMethod() (ssh.AuthMethod, error) {
	if r.KeyFile != "" {
		key, err := os.ReadFile(r.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key %s: %w", r.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ssh key %s: %w", r.KeyFile, err)
		}
		return ssh.PublicKeys(signer), nil
	}
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("ssh key file not set and SSH_AUTH_SOCK is empty")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Join quotes every word and joins them with spaces.
func Join(words ...string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
