// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch calls fn every time the file at path changes, until ctx is
// done. Bursts of events are collapsed into a single call.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, fn func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("config fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(path)
	if err != nil {
		logger.WithError(err).Error("config file watcher failed")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("config file watcher error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors often replace the file; watch
				// the new one.
				watcher.Remove(path)
				if err := watcher.Add(path); err != nil {
					logger.WithError(err).Warn("config file disappeared")
					continue
				}
			}
			fn()
		}
	}
}
