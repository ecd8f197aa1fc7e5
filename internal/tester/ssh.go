package tester

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ssh"

	"github.com/openjobspec/ojs-recovery-nats/internal/core"
)

// Parameter keys for the connection and authentication testers.
const (
	ParamHost       = "host"
	ParamPort       = "port"
	ParamUsername   = "username"
	ParamPassword   = "password"
	ParamPrivateKey = "privateKey"
	ParamHostKey    = "hostKey"
)

const (
	defaultSSHPort  = 22
	defaultSSHUser  = "ojs-recovery"
	sshClientBanner = "SSH-2.0-ojs-recovery"
)

// SSHTester probes an execution host over SSH. Without requireAuth the
// condition clears once key exchange completes; with requireAuth the
// configured credentials must also be accepted.
type SSHTester struct {
	dialer      Dialer
	requireAuth bool
	log         *slog.Logger

	validated bool
	addr      string
	config    *ssh.ClientConfig
}

// CanUnblock implements Tester.
func (t *SSHTester) CanUnblock(ctx context.Context, params map[string]string) (int, error) {
	if !t.validated {
		if err := t.validate(params); err != nil {
			return 0, err
		}
		t.validated = true
	}

	timeout, err := timeoutParam(params)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reached, err := t.handshake(ctx, timeout)
	if err == nil || (reached && !t.requireAuth) {
		return ResubmitBatchSize, nil
	}
	t.log.Debug("ssh probe failed, condition still blocked",
		"addr", t.addr, "handshake", reached, "require_auth", t.requireAuth, "error", err)
	return 0, nil
}

func (t *SSHTester) validate(params map[string]string) error {
	if err := required(params, ParamHost); err != nil {
		return err
	}
	port := defaultSSHPort
	if v := params[ParamPort]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return core.Abortf("tester parameter %s=%q is not a valid port", ParamPort, v)
		}
		port = p
	}
	t.addr = net.JoinHostPort(params[ParamHost], strconv.Itoa(port))

	user := params[ParamUsername]
	var auth []ssh.AuthMethod
	if pw := params[ParamPassword]; pw != "" {
		auth = append(auth, ssh.Password(pw))
	}
	if pk := params[ParamPrivateKey]; pk != "" {
		signer, err := ssh.ParsePrivateKey([]byte(pk))
		if err != nil {
			return core.Abortf("tester parameter %s is not a valid private key", ParamPrivateKey)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.requireAuth {
		if user == "" {
			return core.Abortf("missing required tester parameter %q", ParamUsername)
		}
		if len(auth) == 0 {
			return core.Abortf("authentication tester needs %q or %q", ParamPassword, ParamPrivateKey)
		}
	}
	if user == "" {
		user = defaultSSHUser
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if hk := params[ParamHostKey]; hk != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(hk))
		if err != nil {
			return core.Abortf("tester parameter %s is not a valid public key", ParamHostKey)
		}
		hostKey = ssh.FixedHostKey(pub)
	}

	t.config = &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		ClientVersion:   sshClientBanner,
	}
	return nil
}

// handshake dials and negotiates an SSH session. reached reports whether the
// server's host key was presented and accepted.
func (t *SSHTester) handshake(ctx context.Context, timeout time.Duration) (reached bool, err error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return false, errors.Wrapf(err, "dial %s", t.addr)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	cfg := *t.config
	cfg.HostKeyCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := t.config.HostKeyCallback(hostname, remote, key); err != nil {
			return err
		}
		reached = true
		return nil
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr, &cfg)
	if err != nil {
		return reached, errors.Wrap(err, "ssh handshake")
	}
	_ = ssh.NewClient(c, chans, reqs).Close()
	return true, nil
}
