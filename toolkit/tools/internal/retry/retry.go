// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package retry

import (
	"context"
	"time"
)

// Run calls fn until it succeeds or attempts are exhausted, sleeping between attempts.
// The last error is returned.
func Run(fn func() error, attempts int, sleep time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if i+1 < attempts {
			time.Sleep(sleep)
		}
	}
	return err
}

// RunWithExpBackoff calls fn until it succeeds, attempts are exhausted or ctx is cancelled.
// The delay between attempts is multiplied by factor after each failure.
// Returns whether the wait was cancelled and the last error.
func RunWithExpBackoff(ctx context.Context, fn func() error, attempts int, delay time.Duration, factor float64,
) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return false, nil
		}

		if i+1 >= attempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return true, err
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * factor)
	}
	return false, err
}

// RunUntil calls fn every interval until it reports done, returns an error, or the timeout expires.
func RunUntil(ctx context.Context, fn func() (bool, error), interval time.Duration, timeout time.Duration,
) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := fn()
		if err != nil || done {
			return done, err
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}
	}
}
