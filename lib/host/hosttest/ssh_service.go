// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hosttest provides servers for testing the transports in
// package host: an in-process SSH server and a stub CGI server.
package hosttest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// GenerateKey returns a new ed25519 keypair, and the private key in
// OpenSSH PEM format, encrypted with passphrase if it is not empty.
func GenerateKey(c *check.C, passphrase string) (ssh.PublicKey, ssh.Signer, []byte) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	c.Assert(err, check.IsNil)
	return signer.PublicKey(), signer, pem.EncodeToMemory(block)
}

// An SSHExecFunc handles an "exec" session on a multiplexed SSH
// connection. It should return promptly after kill is closed.
type SSHExecFunc func(command string, stdin io.Reader, stdout, stderr io.Writer, kill <-chan struct{}) uint32

// ShellExec runs command with the local /bin/sh, so file operations
// done over SSH act on the local filesystem.
func ShellExec(command string, stdin io.Reader, stdout, stderr io.Writer, kill <-chan struct{}) uint32 {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(stderr, err)
		return 127
	}
	exited := make(chan struct{})
	go func() {
		select {
		case <-kill:
			cmd.Process.Kill()
		case <-exited:
		}
	}()
	err := cmd.Wait()
	close(exited)
	if exiterr, ok := err.(*exec.ExitError); ok {
		if code := exiterr.ExitCode(); code >= 0 {
			return uint32(code)
		}
		return 137
	}
	return 0
}

// An SSHService accepts SSH connections on an available TCP port and
// passes clients' "exec" sessions to the provided SSHExecFunc.
//
// Clients may authenticate with any of AuthorizedKeys, or with
// Password (as a password or as the answer to every
// keyboard-interactive question) if it is not empty.
type SSHService struct {
	Exec           SSHExecFunc
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey
	Password       string

	listener  net.Listener
	setup     sync.Once
	mtx       sync.Mutex
	started   chan bool
	closed    bool
	err       error
	authFails int
}

// Address returns the host:port where the SSH server is listening. It
// returns "" if called before the server is ready to accept
// connections.
func (ss *SSHService) Address() string {
	ss.setup.Do(ss.start)
	ss.mtx.Lock()
	ln := ss.listener
	ss.mtx.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// AuthFailures returns the number of rejected password attempts.
func (ss *SSHService) AuthFailures() int {
	ss.mtx.Lock()
	defer ss.mtx.Unlock()
	return ss.authFails
}

// Close shuts down the server and releases resources. Established
// connections are unaffected.
func (ss *SSHService) Close() {
	ss.Start()
	ss.mtx.Lock()
	ln := ss.listener
	ss.closed = true
	ss.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (ss *SSHService) Start() error {
	ss.setup.Do(ss.start)
	<-ss.started
	return ss.err
}

func (ss *SSHService) start() {
	ss.started = make(chan bool)
	go ss.run()
}

func (ss *SSHService) checkPassword(user, password string) error {
	if ss.Password != "" && user == ss.AuthorizedUser && password == ss.Password {
		return nil
	}
	ss.mtx.Lock()
	ss.authFails++
	ss.mtx.Unlock()
	return fmt.Errorf("wrong password for %q", user)
}

func (ss *SSHService) run() {
	defer close(ss.started)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			for _, ak := range ss.AuthorizedKeys {
				if c.User() == ss.AuthorizedUser && bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
		PasswordCallback: func(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, ss.checkPassword(c.User(), string(password))
		},
		KeyboardInteractiveCallback: func(c ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(c.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 {
				return nil, fmt.Errorf("expected 1 answer, got %d", len(answers))
			}
			return nil, ss.checkPassword(c.User(), answers[0])
		},
	}
	config.AddHostKey(ss.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		ss.err = err
		return
	}

	ss.mtx.Lock()
	ss.listener = listener
	ss.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			if err != nil && strings.Contains(err.Error(), "use of closed network connection") && ss.closed {
				return
			} else if err != nil {
				log.Printf("accept: %s", err)
				return
			}
			go ss.serveConn(nConn, config)
		}
	}()
}

func (ss *SSHService) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		log.Printf("ssh.NewServerConn: %s", err)
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			log.Printf("accept channel: %s", err)
			return
		}
		go ss.serveSession(ch, reqs)
	}
}

func (ss *SSHService) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	didExec := false
	kill := make(chan struct{})
	var killOnce sync.Once
	defer killOnce.Do(func() { close(kill) })
	for req := range reqs {
		switch {
		case req.Type == "signal":
			// Accepted before or after exec
			killOnce.Do(func() { close(kill) })
			req.Reply(true, nil)
		case didExec:
			// Reject anything else after exec
			req.Reply(false, nil)
		case req.Type == "exec":
			var execReq struct {
				Command string
			}
			req.Reply(true, nil)
			ssh.Unmarshal(req.Payload, &execReq)
			go func() {
				var resp struct {
					Status uint32
				}
				resp.Status = ss.Exec(execReq.Command, ch, ch, ch.Stderr(), kill)
				ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
				ch.Close()
			}()
			didExec = true
		default:
			req.Reply(false, nil)
		}
	}
}
