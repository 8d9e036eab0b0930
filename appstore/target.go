// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package appstore

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Target identifies one app to operate on.
type Target struct {
	// ItemID is the numeric store identifier.
	ItemID string
	// Country is the two-letter storefront code from the URL, empty
	// when the input carried none.
	Country string
}

var (
	numericID = regexp.MustCompile(`^\d+$`)
	pathID    = regexp.MustCompile(`/id(\d+)`)
)

// ParseTarget extracts an item ID (and storefront, when present) from
// user input: either a bare numeric ID or an App Store URL like
// https://apps.apple.com/us/app/things-3/id904237743.
func ParseTarget(input string) (Target, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Target{}, fmt.Errorf("appstore: empty target")
	}
	if numericID.MatchString(input) {
		return Target{ItemID: input}, nil
	}

	parsed, err := url.Parse(input)
	if err != nil || parsed.Host == "" {
		return Target{}, fmt.Errorf("appstore: %q is neither an item ID nor a store URL", input)
	}
	host := strings.TrimPrefix(parsed.Host, "www.")
	if host != "apps.apple.com" && host != "itunes.apple.com" && host != "apps.apple.com:443" {
		return Target{}, fmt.Errorf("appstore: unsupported host %q", parsed.Host)
	}

	match := pathID.FindStringSubmatch(parsed.Path)
	if match == nil {
		// Older links carry the ID in a query parameter.
		if id := parsed.Query().Get("id"); numericID.MatchString(id) {
			match = []string{"", id}
		}
	}
	if match == nil {
		return Target{}, fmt.Errorf("appstore: no item ID in %q", input)
	}

	target := Target{ItemID: match[1]}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) > 0 && len(segments[0]) == 2 {
		target.Country = strings.ToLower(segments[0])
	}
	return target, nil
}
