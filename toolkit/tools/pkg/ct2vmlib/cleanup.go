// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package ct2vmlib

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type cleanupEntry struct {
	name string
	fn   func(ctx context.Context) error
}

// cleanupStack releases a job's resources in the reverse order they were acquired.
// A resource is pushed immediately after it is acquired, so that every exit path releases it.
type cleanupStack struct {
	entries []cleanupEntry
	log     *logrus.Entry
}

func newCleanupStack(log *logrus.Entry) *cleanupStack {
	return &cleanupStack{
		log: log,
	}
}

func (s *cleanupStack) push(name string, fn func(ctx context.Context) error) {
	s.entries = append(s.entries, cleanupEntry{name: name, fn: fn})
}

// pushGuard registers a scoped resource guard (e.g. a loopback or a mount).
func (s *cleanupStack) pushGuard(name string, guard interface{ CleanClose() error }) {
	s.push(name, func(context.Context) error {
		return guard.CleanClose()
	})
}

// release runs and removes the most recent entries until (and including) the named one.
// This is used when a stage is done with a resource before the job ends.
func (s *cleanupStack) release(ctx context.Context, name string) error {
	index := -1
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].name == name {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}

	released := s.entries[index:]
	s.entries = s.entries[:index]
	return runCleanupEntries(ctx, released, s.log)
}

// run releases every remaining resource. Each entry runs exactly once, even if an earlier one failed.
// The context is detached from cancellation so that an interrupted job still cleans up.
func (s *cleanupStack) run(ctx context.Context) error {
	entries := s.entries
	s.entries = nil

	err := runCleanupEntries(context.WithoutCancel(ctx), entries, s.log)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrCleanup, err)
	}
	return nil
}

func (s *cleanupStack) len() int {
	return len(s.entries)
}

func runCleanupEntries(ctx context.Context, entries []cleanupEntry, log *logrus.Entry) error {
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		log.Debugf("Releasing (%s)", entry.name)

		err := entry.fn(ctx)
		if err != nil {
			log.Warnf("Failed to release (%s): %v", entry.name, err)
			errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		}
	}
	return errors.Join(errs...)
}
