// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package queue

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"sync"

	"git.iqmol.org/qjobs.git/lib/host"
)

// stubHost is an in-memory host.Host. Commands are answered by
// exec, and files live in a map keyed by remote path.
type stubHost struct {
	root string
	exec func(cmd string) (string, error)

	mtx      sync.Mutex
	commands []string
	files    map[string]string
	dirs     map[string]bool
}

func newStubHost(root string) *stubHost {
	return &stubHost{
		root:  root,
		files: map[string]string{},
		dirs:  map[string]bool{},
	}
}

func (h *stubHost) Connect(context.Context) error { return nil }
func (h *stubHost) Disconnect()                   {}
func (h *stubHost) Connected() bool               { return true }

func (h *stubHost) WorkingDirectory(baseName string) string {
	return h.root + "/" + baseName
}

func (h *stubHost) Execute(ctx context.Context, cmd string) (string, error) {
	h.mtx.Lock()
	h.commands = append(h.commands, cmd)
	exec := h.exec
	h.mtx.Unlock()
	if exec == nil {
		return "", nil
	}
	return exec(cmd)
}

// Commands returns the commands executed so far.
func (h *stubHost) Commands() []string {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return append([]string(nil), h.commands...)
}

func (h *stubHost) File(path string) (string, bool) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	s, ok := h.files[path]
	return s, ok
}

func (h *stubHost) SetFile(path, content string) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.files[path] = content
}

func (h *stubHost) Exists(ctx context.Context, path string, flags host.Flags) (bool, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if flags&host.Directory != 0 {
		return h.dirs[path], nil
	}
	_, ok := h.files[path]
	return ok, nil
}

func (h *stubHost) MakeDirectory(ctx context.Context, path string) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.dirs[path] = true
	return nil
}

func (h *stubHost) Push(ctx context.Context, source, dest string) error {
	buf, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	h.SetFile(dest, string(buf))
	return nil
}

func (h *stubHost) Pull(ctx context.Context, source, dest string) error {
	content, ok := h.File(source)
	if !ok {
		return errors.New("no such file: " + source)
	}
	return os.WriteFile(dest, []byte(content), 0644)
}

func (h *stubHost) Rename(ctx context.Context, source, dest string) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	content, ok := h.files[source]
	if !ok {
		return errors.New("no such file: " + source)
	}
	delete(h.files, source)
	h.files[dest] = content
	return nil
}

func (h *stubHost) Remove(ctx context.Context, path string) error {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	delete(h.files, path)
	return nil
}

func (h *stubHost) Grep(ctx context.Context, pattern, path string) (string, error) {
	content, ok := h.File(path)
	if !ok {
		return "", errors.New("no such file: " + path)
	}
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.Contains(strings.ToLower(line), strings.ToLower(pattern)) {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (h *stubHost) CheckOutputForErrors(ctx context.Context, path string) (string, error) {
	content, ok := h.File(path)
	if !ok {
		return "", errors.New("no such file: " + path)
	}
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.Contains(line, "fatal") {
			if i+2 < len(lines) {
				return lines[i+2], nil
			}
			return lines[len(lines)-1], nil
		}
	}
	return "", nil
}

// spawnStub adds local process spawning to stubHost.
type spawnStub struct {
	*stubHost
	spawned []string
	lookups int
	findAt  int // lookup number that finds the executable
}

func (h *spawnStub) Spawn(dir, command, logFile string) (int, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.spawned = append(h.spawned, dir+": "+command+" 2> "+logFile)
	return 4242, nil
}

func (h *spawnStub) FindDescendant(ctx context.Context, pid int, name string) (string, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.lookups++
	if h.findAt > 0 && h.lookups >= h.findAt {
		return "4243", nil
	}
	return "", nil
}

// webStub adds CGI requests to stubHost.
type webStub struct {
	*stubHost
	reply  string
	err    error
	params []url.Values
}

func (h *webStub) Request(ctx context.Context, script string, vals url.Values) (string, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.commands = append(h.commands, script)
	h.params = append(h.params, vals)
	return h.reply, h.err
}
