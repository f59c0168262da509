// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package host

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.iqmol.org/qjobs.git/lib/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// PassphraseCache remembers key passphrases for the life of the
// process, so the user is asked at most once per key file.
type PassphraseCache struct {
	mtx sync.Mutex
	m   map[string]string
}

// DefaultPassphraseCache is shared by all Remote hosts that are not
// given their own cache.
var DefaultPassphraseCache = &PassphraseCache{}

func (pc *PassphraseCache) get(keyFile string) (string, bool) {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	pp, ok := pc.m[keyFile]
	return pp, ok
}

func (pc *PassphraseCache) set(keyFile, passphrase string) {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	if pc.m == nil {
		pc.m = map[string]string{}
	}
	pc.m[keyFile] = passphrase
}

func (pc *PassphraseCache) forget(keyFile string) {
	pc.mtx.Lock()
	defer pc.mtx.Unlock()
	delete(pc.m, keyFile)
}

// authenticator produces the ssh auth methods for one connection
// attempt. After a failed attempt, retry reports whether asking the
// user again could help.
type authenticator struct {
	srv        config.Server
	prompter   Prompter
	vault      *config.Vault
	passphrase *PassphraseCache

	// state of the current attempt
	usedKeyFile string
	prompted    bool
	agentConn   net.Conn
}

var errAuthNotSupported = errors.New("host-based authentication is not supported")

func (a *authenticator) methods(ctx context.Context) ([]ssh.AuthMethod, error) {
	a.prompted = false
	switch a.srv.Authentication {
	case config.AuthNone, "":
		return nil, nil
	case config.AuthAgent:
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("SSH_AUTH_SOCK is not set, cannot use ssh agent")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		a.agentConn = conn
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	case config.AuthPublicKey:
		signer, err := a.signer(ctx)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case config.AuthVault:
		if a.vault == nil {
			return nil, errors.New("no vault configured")
		}
		pw, ok := a.vault.Password(a.srv.Name)
		if !ok {
			return nil, fmt.Errorf("no password stored for server %s", a.srv.Name)
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil
	case config.AuthPrompt:
		pw, err := a.ask(ctx, fmt.Sprintf("Password for %s@%s", a.srv.UserName, a.srv.HostAddress))
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil
	case config.AuthKeyboardInteractive:
		return []ssh.AuthMethod{ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i, q := range questions {
				if instruction != "" {
					q = instruction + "\n" + q
				}
				ans, err := a.ask(ctx, q)
				if err != nil {
					return nil, err
				}
				answers[i] = ans
			}
			return answers, nil
		})}, nil
	case config.AuthHostBased:
		return nil, errAuthNotSupported
	}
	return nil, fmt.Errorf("unknown authentication method %q", a.srv.Authentication)
}

func (a *authenticator) ask(ctx context.Context, prompt string) (string, error) {
	if a.prompter == nil {
		return "", errors.New("no way to ask the user for a password")
	}
	a.prompted = true
	secret, ok := a.prompter.Secret(ctx, a.srv.Name, prompt)
	if !ok {
		return "", ErrCancelled
	}
	return secret, nil
}

// signer loads the configured private key, asking for its
// passphrase if needed. A passphrase that decrypts the key is
// cached.
func (a *authenticator) signer(ctx context.Context) (ssh.Signer, error) {
	keyFile := a.srv.KeyFile
	if keyFile == "" {
		home, _ := os.UserHomeDir()
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			if _, err := os.Stat(filepath.Join(home, ".ssh", name)); err == nil {
				keyFile = filepath.Join(home, ".ssh", name)
				break
			}
		}
		if keyFile == "" {
			return nil, errors.New("no KeyFile configured and no default key found in ~/.ssh")
		}
	}
	keyFile = expandHome(keyFile)
	a.usedKeyFile = keyFile
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}
	for {
		pp, ok := a.passphrase.get(keyFile)
		if !ok {
			pp, err = a.ask(ctx, "Passphrase for "+keyFile)
			if err != nil {
				return nil, err
			}
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(pp))
		if err == nil {
			a.passphrase.set(keyFile, pp)
			return signer, nil
		}
		a.passphrase.forget(keyFile)
		if a.prompter == nil || !errors.Is(err, x509.IncorrectPasswordError) {
			return nil, err
		}
	}
}

// retry reports whether another attempt might succeed after an
// authentication failure, i.e., the user can be asked again.
func (a *authenticator) retry() bool {
	switch a.srv.Authentication {
	case config.AuthPrompt, config.AuthKeyboardInteractive:
		return a.prompter != nil
	}
	return false
}

// done releases resources held for the current attempt.
func (a *authenticator) done() {
	if a.agentConn != nil {
		a.agentConn.Close()
		a.agentConn = nil
	}
}

func isAuthFailure(err error) bool {
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
