// Package remote executes build and deploy commands on named hosts over
// SSH using delegated credentials, and routes artifact copies through
// the relay host so neither leg crosses a slow initiator link.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"log/slog"

	"golang.org/x/crypto/ssh"

	"github.com/mhutton/shipline/internal/pipeline"
	"github.com/mhutton/shipline/pkg/config"
)

// Credential is the delegated identity commands run under. The
// dispatcher forwards it without inspecting it.
type Credential struct {
	User     string
	Password string
	KeyPath  string
}

// Dispatcher runs commands on remote hosts synchronously; a call
// returns only once the remote command has finished.
type Dispatcher struct {
	cred    Credential
	port    int
	relay   string
	timeout time.Duration
	log     *slog.Logger
}

// NewDispatcher builds a dispatcher from the pipeline configuration and
// the supplied credential.
func NewDispatcher(cfg config.PipelineConfig, cred Credential, log *slog.Logger) (*Dispatcher, error) {
	if cred.User == "" {
		return nil, fmt.Errorf("remote credential needs a user")
	}
	if cred.Password == "" && cred.KeyPath == "" {
		return nil, fmt.Errorf("remote credential needs a password or key")
	}
	return &Dispatcher{
		cred:    cred,
		port:    cfg.SSHPort,
		relay:   cfg.RelayHost,
		timeout: cfg.RemoteTimeout,
		log:     log,
	}, nil
}

// Run executes command on server and returns its combined output. The
// remote command runs to completion or times out per the channel's own
// limits; the dispatcher imposes no extra timeout beyond cfg.
func (d *Dispatcher) Run(ctx context.Context, server, command string) (string, error) {
	client, err := d.connect(ctx, server)
	if err != nil {
		return "", err
	}
	defer client.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: open session on %s: %v", pipeline.ErrRemoteExecution, server, err)
	}
	defer session.Close()

	d.log.Info("remote command starting", "server", server, "command", command)
	output, err := session.CombinedOutput(command)
	text := strings.TrimSpace(string(output))
	if err != nil {
		return text, d.wrapRemoteError(server, command, text, err)
	}
	return text, nil
}

// RelayCopy performs the copy on the relay host rather than from the
// initiating workstation, keeping both legs on the fast network.
func (d *Dispatcher) RelayCopy(ctx context.Context, src, dst string) (string, error) {
	if d.relay == "" {
		return "", fmt.Errorf("%w: no relay host configured", pipeline.ErrRemoteExecution)
	}
	return d.Run(ctx, d.relay, copyCommand(src, dst))
}

func (d *Dispatcher) connect(ctx context.Context, server string) (*ssh.Client, error) {
	auth, err := d.authMethods()
	if err != nil {
		return nil, err
	}
	conf := &ssh.ClientConfig{
		User: d.cred.User,
		Auth: auth,
		// Hosts are named peers on the internal deploy network.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	addr := net.JoinHostPort(server, fmt.Sprintf("%d", d.port))

	dialer := net.Dialer{Timeout: conf.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", pipeline.ErrRemoteExecution, addr, err)
	}
	if d.timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.timeout))
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		conn.Close()
		return nil, d.wrapRemoteError(server, "handshake", err.Error(), err)
	}
	return ssh.NewClient(clientConn, chans, reqs), nil
}

func (d *Dispatcher) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if d.cred.KeyPath != "" {
		key, err := os.ReadFile(d.cred.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if d.cred.Password != "" {
		methods = append(methods, ssh.Password(d.cred.Password))
	}
	return methods, nil
}

// wrapRemoteError surfaces the verbatim remote error. A pattern match
// for an access-denied message adds a more actionable hint without
// altering the error semantics.
func (d *Dispatcher) wrapRemoteError(server, command, output string, err error) error {
	base := fmt.Errorf("%w: %s on %s: %v", pipeline.ErrRemoteExecution, command, server, err)
	if output != "" {
		base = fmt.Errorf("%w: %s", base, output)
	}
	if accessDenied(output) || accessDenied(err.Error()) {
		return fmt.Errorf("%w (hint: access denied usually means the delegated credential is not authorized on %s)", base, server)
	}
	return base
}

func accessDenied(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "access is denied") || strings.Contains(s, "permission denied")
}

// copyCommand renders the recursive copy run on the relay host.
func copyCommand(src, dst string) string {
	return fmt.Sprintf("cp -R %s %s", shellQuote(src), shellQuote(dst))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
