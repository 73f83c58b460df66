package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHConfig configures the SSH transport. A freshly booted cloud VM has no
// prior entry in a known_hosts file, so the cloud back-end sets
// IgnoreHostKeys. Otherwise host keys are checked against KnownHostsFile
// (default ~/.ssh/known_hosts), and a host not listed there is rejected.
type SSHConfig struct {
	Host string
	Port int
	User string

	// IdentityFile, if set, is tried after the SSH agent (per
	// other_examples/mantle's SSHClient() chain: agent first, explicit key
	// second). Empty means try the default paths (~/.ssh/id_rsa,
	// ~/.ssh/id_ed25519).
	IdentityFile string

	IgnoreHostKeys bool
	KnownHostsFile string // used when IgnoreHostKeys is false

	DialTimeout time.Duration
}

// SSH is the remote Transport, reached over golang.org/x/crypto/ssh with
// file transfer over github.com/pkg/sftp — both named in the teacher's
// dependency surface (x/crypto indirectly) and the other_examples manifests
// (sb10-vrpipe, ravan-provider-orchard) for sftp.
type SSH struct {
	cfg    SSHConfig
	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// WithHost returns a new, unconnected SSH transport targeting host instead
// of s's configured host, with every other setting carried over — used by
// the cloud back-end's secondary-address retry (spec.md §4.5).
func (s *SSH) WithHost(host string) *SSH {
	cfg := s.cfg
	cfg.Host = host
	return NewSSH(cfg)
}

// ensureConnected connects if not already connected, per spec.md §4.1: every
// method other than Connect itself auto-connects on demand.
func (s *SSH) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	connected := s.client != nil
	s.mu.Unlock()
	if connected {
		return nil
	}
	return s.Connect(ctx)
}

// NewSSH constructs an unconnected SSH transport; call Connect before use.
func NewSSH(cfg SSHConfig) *SSH {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SSH{cfg: cfg}
}

func (s *SSH) Connect(ctx context.Context) error {
	auths, err := s.authMethods()
	if err != nil {
		return &AuthError{Recoverable: false, Err: err}
	}

	hostKeyCallback, err := s.hostKeyCallback()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            auths,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.cfg.DialTimeout,
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return &AuthError{Recoverable: false, Err: err}
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return &TransportError{Op: "sftp-handshake", Err: err}
	}

	s.mu.Lock()
	s.client = client
	s.sftp = sftpClient
	s.mu.Unlock()
	return nil
}

// authMethods builds the agent-first, identity-file-second auth chain
// mirrored from other_examples/mantle's platform.Machine.SSHClient().
func (s *SSH) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			ag := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
		}
	}

	identityPaths := s.identityCandidates()
	var signers []ssh.Signer
	for _, path := range identityPaths {
		key, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no usable SSH credentials: no agent socket and no readable identity file")
	}
	return methods, nil
}

func (s *SSH) identityCandidates() []string {
	if s.cfg.IdentityFile != "" {
		return []string{s.cfg.IdentityFile}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func (s *SSH) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.IgnoreHostKeys {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := s.cfg.KnownHostsFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	return knownHostsCallback(path)
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

func (s *SSH) Exec(ctx context.Context, cmd []string) ([]byte, []byte, int, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, nil, -1, err
	}
	session, err := s.client.NewSession()
	if err != nil {
		return nil, nil, -1, &TransportError{Op: "exec-session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	line := joinShell(cmd)
	err = session.Run(line)
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*ssh.ExitError); ok {
			exitCode = exitErr.ExitStatus()
			err = nil
		} else {
			return stdout.Bytes(), stderr.Bytes(), -1, &TransportError{Op: "exec-run", Err: err}
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

func (s *SSH) IsDir(ctx context.Context, path string) (bool, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return false, err
	}
	fi, err := s.sftp.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &TransportError{Op: "stat", Err: err}
	}
	return fi.IsDir(), nil
}

func (s *SSH) ListDir(ctx context.Context, path string) ([]FileInfo, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	entries, err := s.sftp.ReadDir(path)
	if err != nil {
		return nil, &TransportError{Op: "readdir", Err: err}
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FileInfo{Name: e.Name(), Size: e.Size(), ModTime: e.ModTime().Unix(), IsDir: e.IsDir()})
	}
	return out, nil
}

func (s *SSH) MakeDirs(ctx context.Context, path string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.sftp.MkdirAll(path); err != nil {
		return &TransportError{Op: "mkdirall", Err: err}
	}
	return nil
}

// Put creates any missing remote intermediate directories first, per
// original_source/backends/transport.py's Put contract.
func (s *SSH) Put(ctx context.Context, src, dst string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.MakeDirs(ctx, filepath.Dir(dst)); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return &TransportError{Op: "put-open-src", Err: err}
	}
	defer in.Close()
	out, err := s.sftp.Create(dst)
	if err != nil {
		return &TransportError{Op: "put-create-dst", Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return &TransportError{Op: "put-copy", Err: err}
	}
	return nil
}

func (s *SSH) Get(ctx context.Context, src, dst string, ignoreMissing bool) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	in, err := s.sftp.Open(src)
	if err != nil {
		if os.IsNotExist(err) && ignoreMissing {
			return nil
		}
		return &TransportError{Op: "get-open-src", Err: err}
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return &TransportError{Op: "get-mkdir-dst", Err: err}
	}
	out, err := os.Create(dst)
	if err != nil {
		return &TransportError{Op: "get-create-dst", Err: err}
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return &TransportError{Op: "get-copy", Err: err}
	}
	return nil
}

func (s *SSH) Open(ctx context.Context, src string) (io.ReadCloser, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	f, err := s.sftp.Open(src)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: err}
	}
	return f, nil
}

func (s *SSH) Remove(ctx context.Context, path string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.sftp.Remove(path); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// RemoveTree falls back to `rm -rf` over the exec channel, since sftp has no
// recursive remove — per original_source/backends/transport.py.
func (s *SSH) RemoveTree(ctx context.Context, path string) error {
	_, stderr, exitCode, err := s.Exec(ctx, []string{"rm", "-rf", path})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return &TransportError{Op: "removetree", Err: fmt.Errorf("rm -rf %s: exit %d: %s", path, exitCode, stderr)}
	}
	return nil
}

func (s *SSH) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	if err := s.sftp.Chmod(path, mode); err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}
	return nil
}

func joinShell(cmd []string) string {
	var buf bytes.Buffer
	for i, c := range cmd {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(c)
	}
	return buf.String()
}
