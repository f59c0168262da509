// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"git.iqmol.org/qjobs.git/lib/config"
	"git.iqmol.org/qjobs.git/lib/host/hosttest"
	"git.iqmol.org/qjobs.git/sdk/go/ctxlog"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RemoteSuite{})

type RemoteSuite struct {
	dir        string
	clientPub  ssh.PublicKey
	clientPEM  []byte
	hostSigner ssh.Signer
}

func (s *RemoteSuite) SetUpSuite(c *check.C) {
	s.clientPub, _, s.clientPEM = hosttest.GenerateKey(c, "")
	_, s.hostSigner, _ = hosttest.GenerateKey(c, "")
}

func (s *RemoteSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
}

func (s *RemoteSuite) service(exec hosttest.SSHExecFunc) *hosttest.SSHService {
	if exec == nil {
		exec = hosttest.ShellExec
	}
	return &hosttest.SSHService{
		Exec:           exec,
		HostKey:        s.hostSigner,
		AuthorizedUser: "alice",
		AuthorizedKeys: []ssh.PublicKey{s.clientPub},
		Password:       "s3cret",
	}
}

func (s *RemoteSuite) server(c *check.C, ss *hosttest.SSHService, auth config.AuthMethod) config.Server {
	c.Assert(ss.Start(), check.IsNil)
	h, p, err := net.SplitHostPort(ss.Address())
	c.Assert(err, check.IsNil)
	port, _ := strconv.Atoi(p)
	keyFile := filepath.Join(s.dir, "id_ed25519")
	c.Assert(os.WriteFile(keyFile, s.clientPEM, 0600), check.IsNil)
	srv := config.DefaultServer(config.Remote, config.PBS)
	srv.Name = "hpc"
	srv.HostAddress = h
	srv.Port = port
	srv.UserName = "alice"
	srv.Authentication = auth
	srv.KeyFile = keyFile
	return srv
}

type stubPrompter struct {
	mtx     sync.Mutex
	answers []string
	asked   []string
}

func (p *stubPrompter) Secret(ctx context.Context, server, prompt string) (string, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.asked = append(p.asked, prompt)
	if len(p.answers) == 0 {
		return "", false
	}
	ans := p.answers[0]
	p.answers = p.answers[1:]
	return ans, true
}

func (s *RemoteSuite) TestPublicKeyOperations(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	r := NewRemote(s.server(c, ss, config.AuthPublicKey), ctxlog.TestLogger(c), nil, nil, &PassphraseCache{})
	ctx := context.Background()
	c.Assert(r.Connect(ctx), check.IsNil)
	c.Check(r.Connected(), check.Equals, true)

	out, err := r.Execute(ctx, "echo hello")
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "hello\n")

	_, err = r.Execute(ctx, "echo nope >&2; exit 2")
	c.Check(ExitStatus(err), check.Equals, 2)
	c.Check(err, check.ErrorMatches, `.*"nope".*`)

	jobdir := filepath.Join(s.dir, "job dir")
	c.Check(r.MakeDirectory(ctx, jobdir), check.IsNil)
	ok, err := r.Exists(ctx, jobdir, Directory|Writable)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	ok, err = r.Exists(ctx, filepath.Join(jobdir, "missing"), 0)
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	local := filepath.Join(s.dir, "water.inp")
	c.Assert(os.WriteFile(local, []byte("$molecule\n0 1\nO\n$end\nfatal\nx\nbad input\n"), 0644), check.IsNil)
	remote := filepath.Join(jobdir, "water.inp")
	c.Check(r.Push(ctx, local, remote), check.IsNil)
	buf, err := os.ReadFile(remote)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?s)\$molecule.*`)

	out, err = r.Grep(ctx, "MOLECULE", remote)
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "$molecule")
	out, err = r.Grep(ctx, "absent", remote)
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "")
	out, err = r.CheckOutputForErrors(ctx, remote)
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "bad input")

	moved := filepath.Join(jobdir, "water.out")
	c.Check(r.Rename(ctx, remote, moved), check.IsNil)
	pulled := filepath.Join(s.dir, "pulled.out")
	c.Check(r.Pull(ctx, moved, pulled), check.IsNil)
	buf, err = os.ReadFile(pulled)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?s)\$molecule.*`)

	c.Check(r.Pull(ctx, filepath.Join(jobdir, "nonexistent"), pulled), check.NotNil)
	_, err = os.Stat(pulled)
	c.Check(os.IsNotExist(err), check.Equals, true)

	c.Check(r.Remove(ctx, moved), check.IsNil)
	_, err = os.Stat(moved)
	c.Check(os.IsNotExist(err), check.Equals, true)

	r.Disconnect()
	c.Check(r.Connected(), check.Equals, false)
	// operations reconnect on demand
	out, err = r.Execute(ctx, "echo again")
	c.Check(err, check.IsNil)
	c.Check(out, check.Equals, "again\n")
}

func (s *RemoteSuite) TestExecuteCancel(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	r := NewRemote(s.server(c, ss, config.AuthPublicKey), ctxlog.TestLogger(c), nil, nil, &PassphraseCache{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err := r.Execute(ctx, "sleep 10")
	c.Check(err, check.Equals, context.DeadlineExceeded)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *RemoteSuite) TestPromptedPasswordRetry(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	prompter := &stubPrompter{answers: []string{"wrong", "s3cret"}}
	r := NewRemote(s.server(c, ss, config.AuthPrompt), ctxlog.TestLogger(c), prompter, nil, nil)
	c.Check(r.Connect(context.Background()), check.IsNil)
	c.Check(prompter.asked, check.HasLen, 2)
	c.Check(ss.AuthFailures(), check.Equals, 1)
}

func (s *RemoteSuite) TestPromptedPasswordManyRetries(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	prompter := &stubPrompter{answers: []string{"w1", "w2", "w3", "w4", "s3cret"}}
	r := NewRemote(s.server(c, ss, config.AuthPrompt), ctxlog.TestLogger(c), prompter, nil, nil)
	c.Check(r.Connect(context.Background()), check.IsNil)
	c.Check(r.Connected(), check.Equals, true)
	c.Check(prompter.asked, check.HasLen, 5)
	c.Check(ss.AuthFailures(), check.Equals, 4)
}

func (s *RemoteSuite) TestPromptCancelled(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	prompter := &stubPrompter{answers: []string{"wrong"}}
	r := NewRemote(s.server(c, ss, config.AuthPrompt), ctxlog.TestLogger(c), prompter, nil, nil)
	err := r.Connect(context.Background())
	c.Check(err, check.FitsTypeOf, &ConnectionError{})
	c.Check(err, check.ErrorMatches, `Connection to server hpc failed: .*cancelled by user`)
	c.Check(r.Connected(), check.Equals, false)
}

func (s *RemoteSuite) TestKeyboardInteractive(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	prompter := &stubPrompter{answers: []string{"s3cret"}}
	r := NewRemote(s.server(c, ss, config.AuthKeyboardInteractive), ctxlog.TestLogger(c), prompter, nil, nil)
	c.Check(r.Connect(context.Background()), check.IsNil)
	c.Check(prompter.asked, check.DeepEquals, []string{"Password: "})
}

func (s *RemoteSuite) TestVault(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	vault, err := config.LoadVault("")
	c.Assert(err, check.IsNil)
	srv := s.server(c, ss, config.AuthVault)
	r := NewRemote(srv, ctxlog.TestLogger(c), nil, vault, nil)
	c.Check(r.Connect(context.Background()), check.ErrorMatches, `.*no password stored for server hpc`)
	vault.SetPassword("hpc", "s3cret")
	c.Check(r.Connect(context.Background()), check.IsNil)
}

func (s *RemoteSuite) TestEncryptedKeyPassphraseCached(c *check.C) {
	pub, _, pem := hosttest.GenerateKey(c, "opensesame")
	ss := s.service(nil)
	ss.AuthorizedKeys = []ssh.PublicKey{pub}
	defer ss.Close()
	srv := s.server(c, ss, config.AuthPublicKey)
	c.Assert(os.WriteFile(srv.KeyFile, pem, 0600), check.IsNil)
	cache := &PassphraseCache{}

	prompter := &stubPrompter{answers: []string{"wrong", "opensesame"}}
	r := NewRemote(srv, ctxlog.TestLogger(c), prompter, nil, cache)
	c.Check(r.Connect(context.Background()), check.IsNil)
	c.Check(prompter.asked, check.HasLen, 2)

	// A second host using the same key does not ask again.
	prompter2 := &stubPrompter{}
	r2 := NewRemote(srv, ctxlog.TestLogger(c), prompter2, nil, cache)
	c.Check(r2.Connect(context.Background()), check.IsNil)
	c.Check(prompter2.asked, check.HasLen, 0)
}

func (s *RemoteSuite) TestHostBasedUnsupported(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	r := NewRemote(s.server(c, ss, config.AuthHostBased), ctxlog.TestLogger(c), nil, nil, nil)
	c.Check(r.Connect(context.Background()), check.ErrorMatches, `.*host-based authentication is not supported`)
}

func (s *RemoteSuite) TestHostKeyChanged(c *check.C) {
	ss := s.service(func(string, io.Reader, io.Writer, io.Writer, <-chan struct{}) uint32 { return 0 })
	defer ss.Close()
	r := NewRemote(s.server(c, ss, config.AuthPublicKey), ctxlog.TestLogger(c), nil, nil, &PassphraseCache{})
	c.Assert(r.Connect(context.Background()), check.IsNil)

	_, otherHostKey, _ := hosttest.GenerateKey(c, "")
	mitm := s.service(nil)
	mitm.HostKey = otherHostKey
	defer mitm.Close()
	c.Assert(mitm.Start(), check.IsNil)
	_, p, _ := net.SplitHostPort(mitm.Address())
	r.srv.Port, _ = strconv.Atoi(p)
	c.Check(r.Connect(context.Background()), check.ErrorMatches, `.*host key for .* changed.*`)
}

func (s *RemoteSuite) TestKnownHosts(c *check.C) {
	ss := s.service(nil)
	defer ss.Close()
	srv := s.server(c, ss, config.AuthPublicKey)
	khFile := filepath.Join(s.dir, "known_hosts")
	c.Assert(os.WriteFile(khFile, nil, 0600), check.IsNil)
	srv.KnownHostsFile = khFile
	r := NewRemote(srv, ctxlog.TestLogger(c), nil, nil, &PassphraseCache{})
	c.Check(r.Connect(context.Background()), check.ErrorMatches, `.*knownhosts: key is unknown.*`)
}
