// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Package appstore resolves, licenses, and downloads App Store apps.
//
// [Client] is the composite store collaborator: metadata comes from
// the public iTunes lookup endpoint over HTTP, while purchase and
// download shell out to the ipatool CLI, which holds the Apple ID
// session. ipatool runs non-interactively with JSON output, and its
// structured result decides the typed purchase outcome; no error text
// is substring-matched.
//
// ParseTarget accepts what users actually paste: a bare numeric item
// ID or any apps.apple.com / itunes.apple.com app URL, with the
// storefront country taken from the URL when present.
package appstore
