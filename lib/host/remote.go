// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var ErrNoAddress = errors.New("server has no address")

// A Remote uses a multiplexed SSH connection to execute shell
// commands and move files on a remote server. It reconnects
// automatically after errors.
//
// If the server config names a KnownHostsFile, host keys are checked
// against it. Otherwise the first key received is accepted and
// subsequent connections must present the same key.
//
// A Remote must not be copied.
type Remote struct {
	srv    config.Server
	logger logrus.FieldLogger
	auth   *authenticator

	client      *ssh.Client
	clientErr   error
	clientOnce  sync.Once     // initialized private state
	clientSetup chan bool     // len>0 while client setup is in progress
	hostKey     ssh.PublicKey // most recent host key that passed verification, if any
}

// NewRemote returns a new Remote for srv. It does not connect until
// Connect or an operation is called.
func NewRemote(srv config.Server, logger logrus.FieldLogger, prompter Prompter, vault *config.Vault, passphrase *PassphraseCache) *Remote {
	if passphrase == nil {
		passphrase = DefaultPassphraseCache
	}
	return &Remote{
		srv:    srv,
		logger: logger,
		auth: &authenticator{
			srv:        srv,
			prompter:   prompter,
			vault:      vault,
			passphrase: passphrase,
		},
	}
}

func (r *Remote) WorkingDirectory(baseName string) string {
	return joinDir(r.srv.WorkingDirectory, baseName)
}

// Connect sets up a new connection, replacing any existing one.
func (r *Remote) Connect(ctx context.Context) error {
	_, err := r.sshClient(ctx, true)
	if err != nil {
		return &ConnectionError{Server: r.srv.Name, Err: err}
	}
	return nil
}

// Connected reports whether the most recent connection attempt
// succeeded and has not been closed.
func (r *Remote) Connected() bool {
	client, err := r.sshClient(context.Background(), false)
	return err == nil && client != nil
}

// Disconnect shuts down any active connection.
func (r *Remote) Disconnect() {
	// Ensure r is initialized
	r.sshClient(context.Background(), false)

	r.clientSetup <- true
	if r.client != nil {
		defer r.client.Close()
	}
	r.client, r.clientErr = nil, errors.New("disconnected")
	<-r.clientSetup
}

// Execute runs command on the server and returns its stdout.
func (r *Remote) Execute(ctx context.Context, command string) (string, error) {
	stdout, _, err := r.run(ctx, command, nil)
	return string(stdout), err
}

// run executes cmd in a new session. If ctx is cancelled first, the
// remote command is sent SIGKILL and the session is closed.
func (r *Remote) run(ctx context.Context, cmd string, stdin io.Reader) ([]byte, []byte, error) {
	session, err := r.newSession(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer session.Close()
	r.logger.WithField("Command", cmd).Debug("execute")
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			session.Close()
		case <-done:
		}
	}()
	err = session.Run(cmd)
	if ctx.Err() != nil {
		return stdout.Bytes(), stderr.Bytes(), ctx.Err()
	}
	var exiterr *ssh.ExitError
	if errors.As(err, &exiterr) {
		return stdout.Bytes(), stderr.Bytes(), &CommandError{Command: cmd, ExitStatus: exiterr.ExitStatus(), Stderr: stderr.String()}
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func (r *Remote) Exists(ctx context.Context, path string, flags Flags) (bool, error) {
	out, err := r.Execute(ctx, existsCommand(path, flags))
	if ExitStatus(err) > 0 {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return strings.Contains(out, "exists"), nil
}

func (r *Remote) MakeDirectory(ctx context.Context, path string) error {
	_, err := r.Execute(ctx, "mkdir -p "+ShellQuote(path))
	return err
}

// Push copies a local file to dest on the server.
func (r *Remote) Push(ctx context.Context, source, dest string) error {
	f, err := os.Open(expandHome(source))
	if err != nil {
		return err
	}
	defer f.Close()
	_, _, err = r.run(ctx, "cat > "+ShellQuote(dest), f)
	return err
}

// Pull copies source on the server to a local file. A partially
// written file is removed if the copy fails.
func (r *Remote) Pull(ctx context.Context, source, dest string) error {
	dest = expandHome(dest)
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	session, err := r.newSession(ctx)
	if err != nil {
		f.Close()
		os.Remove(dest)
		return err
	}
	defer session.Close()
	var stderr bytes.Buffer
	session.Stdout = f
	session.Stderr = &stderr
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGKILL)
			session.Close()
		case <-done:
		}
	}()
	cmd := "cat " + ShellQuote(source)
	err = session.Run(cmd)
	if ctx.Err() != nil {
		err = ctx.Err()
	} else if exiterr := (*ssh.ExitError)(nil); errors.As(err, &exiterr) {
		err = &CommandError{Command: cmd, ExitStatus: exiterr.ExitStatus(), Stderr: stderr.String()}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
	}
	return err
}

func (r *Remote) Rename(ctx context.Context, source, dest string) error {
	_, err := r.Execute(ctx, "mv "+ShellQuote(source)+" "+ShellQuote(dest))
	return err
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	_, err := r.Execute(ctx, "rm -f "+ShellQuote(path))
	return err
}

// Grep returns matching lines. grep exits 1 when nothing matches,
// which is not an error here.
func (r *Remote) Grep(ctx context.Context, pattern, path string) (string, error) {
	out, err := r.Execute(ctx, "grep -i "+ShellQuote(pattern)+" "+ShellQuote(path))
	if ExitStatus(err) == 1 {
		return "", nil
	}
	return strings.TrimRight(out, "\n"), err
}

func (r *Remote) CheckOutputForErrors(ctx context.Context, path string) (string, error) {
	out, err := r.Execute(ctx, "grep -m 1 -A2 fatal "+ShellQuote(path)+" | tail -1")
	return strings.TrimRight(out, "\n"), err
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (r *Remote) newSession(ctx context.Context) (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := r.sshClient(ctx, create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

// Get the latest SSH client. If another goroutine is in the process
// of setting one up, wait for it to finish and return its result (or
// the last successfully setup client, if it fails).
func (r *Remote) sshClient(ctx context.Context, create bool) (*ssh.Client, error) {
	r.clientOnce.Do(func() {
		r.clientSetup = make(chan bool, 1)
		r.clientErr = errors.New("client not yet created")
	})
	defer func() { <-r.clientSetup }()
	select {
	case r.clientSetup <- true:
		if create {
			client, err := r.setupSSHClient(ctx)
			if err == nil || r.client == nil {
				if r.client != nil {
					// Hang up the previous
					// (non-working) client
					go r.client.Close()
				}
				r.client, r.clientErr = client, err
			}
			if err != nil {
				return nil, err
			}
		}
	default:
		// Another goroutine is doing the above case.  Wait
		// for it to finish and return whatever it leaves in
		// r.client.
		r.clientSetup <- true
	}
	return r.client, r.clientErr
}

func (r *Remote) address() string {
	if r.srv.HostAddress == "" {
		return ""
	}
	port := r.srv.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(r.srv.HostAddress, strconv.Itoa(port))
}

// Create a new SSH client, asking the user again each time a
// prompted password is rejected, until one is accepted or the user
// cancels.
func (r *Remote) setupSSHClient(ctx context.Context) (*ssh.Client, error) {
	addr := r.address()
	if addr == "" {
		return nil, ErrNoAddress
	}
	for attempt := 1; ; attempt++ {
		client, err := r.dial(ctx, addr)
		if err == nil {
			r.logger.WithField("Address", addr).Info("connected")
			return client, nil
		}
		if !isAuthFailure(err) || !r.auth.retry() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.WithError(err).WithField("Attempt", attempt).Warn("authentication failed, retrying")
	}
}

func (r *Remote) dial(ctx context.Context, addr string) (*ssh.Client, error) {
	methods, err := r.auth.methods(ctx)
	defer r.auth.done()
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := r.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	var receivedKey ssh.PublicKey
	cfg := &ssh.ClientConfig{
		User: r.srv.UserName,
		Auth: methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			receivedKey = key
			return hostKeyCallback(hostname, remote, key)
		},
		Timeout: time.Minute,
	}
	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	} else if receivedKey == nil {
		conn.Close()
		return nil, errors.New("BUG: key was never provided to HostKeyCallback")
	}
	r.hostKey = receivedKey
	return ssh.NewClient(c, chans, reqs), nil
}

func (r *Remote) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if r.srv.KnownHostsFile != "" {
		cb, err := knownhosts.New(expandHome(r.srv.KnownHostsFile))
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		return cb, nil
	}
	pinned := r.hostKey
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if pinned != nil && !bytes.Equal(pinned.Marshal(), key.Marshal()) {
			return fmt.Errorf("host key for %s changed (was %s, now %s)", hostname, ssh.FingerprintSHA256(pinned), ssh.FingerprintSHA256(key))
		}
		return nil
	}, nil
}
