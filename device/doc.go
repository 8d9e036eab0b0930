// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package device talks to the jailbroken iOS device over SSH.
//
// [Controller] owns the one connection: it dials lazily, multiplexes
// commands over SSH sessions and file transfers over SFTP, and drops
// the connection on transport-classified failures so the next
// operation redials. Command failures on a healthy connection are
// returned as [*CommandError] with the exit status and stderr; they
// never trigger a reconnect.
//
// [Packages] installs, removes, and lists apps through the on-device
// installer binary. [Decryptor] runs the on-device decrypt tool and
// fetches the archive it produces. Both work through the controller
// and never hold state of their own.
package device
