// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
)

// CommandError reports a remote command that ran and exited non-zero.
// The connection is healthy; retrying without fixing the command will
// fail the same way.
type CommandError struct {
	Cmd        string
	ExitStatus int
	Stderr     string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("device: %q exited %d: %s", e.Cmd, e.ExitStatus, e.Stderr)
	}
	return fmt.Sprintf("device: %q exited %d", e.Cmd, e.ExitStatus)
}

// ConnError reports a transport-level failure: dial, session setup, or
// a command that never reached the device. The controller drops the
// connection on these so the next operation redials.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("device: %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsConnError reports whether err is connection-classified.
func IsConnError(err error) bool {
	var connErr *ConnError
	return errors.As(err, &connErr)
}
