package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/example/ncshot-verify/internal/logging"
)

// Hop is one SSH server in a jump chain.
type Hop struct {
	Addr            string
	User            string
	Auth            []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback
}

// HopOptions describe a hop as it appears in configuration.
type HopOptions struct {
	Addr                  string
	User                  string
	Password              string
	KeyFile               string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
}

// NewHop resolves credentials and the host key policy for one hop.
func NewHop(opts HopOptions) (Hop, error) {
	hop := Hop{Addr: opts.Addr, User: opts.User}
	if opts.KeyFile != "" {
		data, err := os.ReadFile(opts.KeyFile)
		if err != nil {
			return Hop{}, fmt.Errorf("read ssh key for %s: %w", opts.Addr, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return Hop{}, fmt.Errorf("parse ssh key for %s: %w", opts.Addr, err)
		}
		hop.Auth = append(hop.Auth, ssh.PublicKeys(signer))
	}
	if opts.Password != "" {
		hop.Auth = append(hop.Auth, ssh.Password(opts.Password))
	}
	if len(hop.Auth) == 0 {
		return Hop{}, fmt.Errorf("ssh hop %s has no credentials", opts.Addr)
	}

	switch {
	case opts.KnownHostsFile != "":
		callback, err := knownhosts.New(opts.KnownHostsFile)
		if err != nil {
			return Hop{}, fmt.Errorf("load known hosts for %s: %w", opts.Addr, err)
		}
		hop.HostKeyCallback = callback
	case opts.InsecureIgnoreHostKey:
		hop.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec
	default:
		return Hop{}, fmt.Errorf("ssh hop %s has no host key policy", opts.Addr)
	}
	return hop, nil
}

// SSHJump reaches the recognition host through one or more SSH servers. The
// chain is established on first use and rebuilt after it breaks. A target that
// refuses the tunnelled connection leaves the chain and its other tunnels intact.
type SSHJump struct {
	hops    []Hop
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	clients []*ssh.Client
}

// NewSSHJump returns a provider that tunnels through hops in order.
func NewSSHJump(hops []Hop, timeout time.Duration, logger *zap.Logger) (*SSHJump, error) {
	if len(hops) == 0 {
		return nil, errors.New("ssh jump needs at least one hop")
	}
	return &SSHJump{hops: hops, timeout: timeout, logger: logger.Named("ssh_jump")}, nil
}

// DialContext opens addr from the last hop of the chain.
func (s *SSHJump) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := s.connect(ctx)
	if err != nil {
		return nil, logging.NewOperationError("transport.ssh_connect", "", err)
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		if chainBroken(ctx, err) {
			s.logger.Warn("tunnelled dial failed, resetting chain", zap.String("addr", addr), zap.Error(err))
			s.reset(client)
		} else {
			s.logger.Debug("tunnelled dial refused", zap.String("addr", addr), zap.Error(err))
		}
		return nil, logging.NewOperationError("transport.ssh_dial", "", err)
	}
	return conn, nil
}

// chainBroken reports whether a failed tunnelled dial means the SSH connection
// itself is gone. Rejected channels and cancelled callers do not.
func chainBroken(ctx context.Context, err error) bool {
	var openErr *ssh.OpenChannelError
	if errors.As(err, &openErr) {
		return false
	}
	return ctx.Err() == nil
}

// Close tears the chain down, innermost hop first.
func (s *SSHJump) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *SSHJump) connect(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == len(s.hops) {
		return s.clients[len(s.clients)-1], nil
	}

	var prev *ssh.Client
	for _, hop := range s.hops {
		client, err := s.dialHop(ctx, prev, hop)
		if err != nil {
			_ = s.closeLocked()
			return nil, err
		}
		s.clients = append(s.clients, client)
		prev = client
		s.logger.Debug("ssh hop connected", zap.String("hop", hop.Addr))
	}
	return prev, nil
}

func (s *SSHJump) dialHop(ctx context.Context, prev *ssh.Client, hop Hop) (*ssh.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if prev == nil {
		dialer := net.Dialer{Timeout: s.timeout}
		conn, err = dialer.DialContext(ctx, "tcp", hop.Addr)
	} else {
		conn, err = prev.DialContext(ctx, "tcp", hop.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial hop %s: %w", hop.Addr, err)
	}

	if s.timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.timeout))
	}
	config := &ssh.ClientConfig{
		User:            hop.User,
		Auth:            hop.Auth,
		HostKeyCallback: hop.HostKeyCallback,
		Timeout:         s.timeout,
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, hop.Addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", hop.Addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// reset closes the chain if failed is still its innermost client. A chain
// rebuilt by another caller in the meantime is left alone.
func (s *SSHJump) reset(failed *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 || s.clients[len(s.clients)-1] != failed {
		return
	}
	_ = s.closeLocked()
}

func (s *SSHJump) closeLocked() error {
	var errs []error
	for i := len(s.clients) - 1; i >= 0; i-- {
		if err := s.clients[i].Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	s.clients = nil
	return errors.Join(errs...)
}
