package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

func TestDirectDialsListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	d := NewDirect(time.Second)
	conn, err := d.DialContext(context.Background(), "tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("expected dial to succeed, got %v", err)
	}
	conn.Close()
	<-accepted
	if err := d.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestNewHopRequiresCredentialsAndHostKeyPolicy(t *testing.T) {
	if _, err := NewHop(HopOptions{Addr: "jump:22", User: "ops", InsecureIgnoreHostKey: true}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewHop(HopOptions{Addr: "jump:22", User: "ops", Password: "pw"}); err == nil {
		t.Fatal("expected error without host key policy")
	}
	hop, err := NewHop(HopOptions{Addr: "jump:22", User: "ops", Password: "pw", InsecureIgnoreHostKey: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hop.Auth) != 1 || hop.HostKeyCallback == nil {
		t.Fatalf("unexpected hop %+v", hop)
	}
}

func TestNewSSHJumpRequiresHops(t *testing.T) {
	if _, err := NewSSHJump(nil, time.Second, zap.NewNop()); err == nil {
		t.Fatal("expected error without hops")
	}
}

func TestSSHJumpTunnelsHTTP(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("NCShot OK"))
	}))
	defer target.Close()

	addr, hostKey := startSSHServer(t, "ops", "secret")
	hop := Hop{
		Addr:            addr,
		User:            "ops",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	}
	jump, err := NewSSHJump([]Hop{hop}, 2*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer jump.Close()

	client := &http.Client{Transport: &http.Transport{DialContext: jump.DialContext}, Timeout: 5 * time.Second}
	resp, err := client.Get(target.URL)
	if err != nil {
		t.Fatalf("tunnelled request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "NCShot OK" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestSSHJumpRejectsWrongPassword(t *testing.T) {
	addr, hostKey := startSSHServer(t, "ops", "secret")
	hop := Hop{
		Addr:            addr,
		User:            "ops",
		Auth:            []ssh.AuthMethod{ssh.Password("wrong")},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	}
	jump, err := NewSSHJump([]Hop{hop}, 2*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := jump.DialContext(context.Background(), "tcp", "127.0.0.1:1"); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestSSHJumpRefusedTargetKeepsLiveTunnels(t *testing.T) {
	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer echo.Close()
	go func() {
		for {
			conn, err := echo.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	refused, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	refusedAddr := refused.Addr().String()
	refused.Close()

	addr, hostKey := startSSHServer(t, "ops", "secret")
	hop := Hop{
		Addr:            addr,
		User:            "ops",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.FixedHostKey(hostKey),
	}
	jump, err := NewSSHJump([]Hop{hop}, 2*time.Second, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer jump.Close()

	live, err := jump.DialContext(context.Background(), "tcp", echo.Addr().String())
	if err != nil {
		t.Fatalf("tunnelled dial failed: %v", err)
	}
	defer live.Close()

	if _, err := jump.DialContext(context.Background(), "tcp", refusedAddr); err == nil {
		t.Fatal("expected refused target to fail")
	}

	if _, err := live.Write([]byte("ping")); err != nil {
		t.Fatalf("live tunnel write failed after refused dial: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(live, buf); err != nil {
		t.Fatalf("live tunnel read failed after refused dial: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected echo %q", buf)
	}
}

// startSSHServer runs a minimal SSH server that only forwards direct-tcpip channels.
func startSSHServer(t *testing.T, user, password string) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("failed to build signer: %v", err)
	}
	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if meta.User() == user && string(pw) == password {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(conn, config)
		}
	}()
	return listener.Addr().String(), signer.PublicKey()
}

func serveSSHConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "direct-tcpip" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		var payload struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(newCh.ExtraData(), &payload); err != nil {
			_ = newCh.Reject(ssh.ConnectionFailed, "bad payload")
			continue
		}
		upstream, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
		if err != nil {
			_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			upstream.Close()
			continue
		}
		go ssh.DiscardRequests(chReqs)
		go func() {
			defer ch.Close()
			defer upstream.Close()
			go func() {
				_, _ = io.Copy(upstream, ch)
				if tcp, ok := upstream.(*net.TCPConn); ok {
					_ = tcp.CloseWrite()
				}
			}()
			_, _ = io.Copy(ch, upstream)
		}()
	}
}
