// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package appstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
)

// toolResult is the JSON object ipatool prints in --format json mode.
// In error cases the object still arrives on stdout alongside a
// non-zero exit.
type toolResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Output  string `json:"output"`
}

// alreadyOwnedErrors are the exact error strings ipatool emits when
// the account already holds a license. The tool has no structured
// error code; the full message is the narrowest thing to compare.
var alreadyOwnedErrors = map[string]bool{
	"license already exists":                         true,
	"failed to purchase app: license already exists": true,
}

// Purchase acquires a license through ipatool. An already-held license
// is OutcomeAlreadyOwned, not an error; a store refusal is
// OutcomeFailed with a nil error. A non-nil error means the tool
// itself could not run or answer.
func (c *Client) Purchase(ctx context.Context, itemID string) (pipeline.PurchaseOutcome, error) {
	bundleID, err := c.bundleID(ctx, itemID)
	if err != nil {
		return pipeline.OutcomeFailed, err
	}

	output, runErr := c.execute(ctx, c.tool,
		"purchase",
		"--bundle-identifier", bundleID,
		"--format", "json",
		"--non-interactive",
	)
	result, parseErr := parseToolOutput(output)
	if parseErr != nil {
		if runErr != nil {
			return pipeline.OutcomeFailed, fmt.Errorf("appstore: ipatool purchase %s: %w", bundleID, runErr)
		}
		return pipeline.OutcomeFailed, fmt.Errorf("appstore: ipatool purchase %s: %w", bundleID, parseErr)
	}

	switch {
	case result.Success:
		c.logger.Info("license acquired", "bundle_id", bundleID)
		return pipeline.OutcomePurchased, nil
	case alreadyOwnedErrors[result.Error]:
		return pipeline.OutcomeAlreadyOwned, nil
	default:
		c.logger.Warn("purchase refused", "bundle_id", bundleID, "reason", result.Error)
		return pipeline.OutcomeFailed, nil
	}
}

// Download fetches the licensed IPA into the download directory and
// returns its local path.
func (c *Client) Download(ctx context.Context, itemID, country string) (string, error) {
	bundleID, err := c.bundleID(ctx, itemID)
	if err != nil {
		return "", err
	}

	output, runErr := c.execute(ctx, c.tool,
		"download",
		"--bundle-identifier", bundleID,
		"--output", c.downloadDir,
		"--format", "json",
		"--non-interactive",
	)
	result, parseErr := parseToolOutput(output)
	if parseErr != nil {
		if runErr != nil {
			return "", fmt.Errorf("appstore: ipatool download %s: %w", bundleID, runErr)
		}
		return "", fmt.Errorf("appstore: ipatool download %s: %w", bundleID, parseErr)
	}
	if !result.Success {
		return "", fmt.Errorf("appstore: download of %s refused: %s", bundleID, result.Error)
	}
	if result.Output == "" {
		return "", fmt.Errorf("appstore: ipatool reported success without an output path for %s", bundleID)
	}
	c.logger.Info("downloaded ipa", "bundle_id", bundleID, "path", result.Output)
	return result.Output, nil
}

// parseToolOutput finds the result object in ipatool's stdout. The
// tool logs one JSON object per line; the verdict is the last line
// that parses.
func parseToolOutput(output []byte) (*toolResult, error) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var result toolResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			continue
		}
		return &result, nil
	}
	return nil, errors.New("no result object in tool output")
}

// runCommand executes an external binary and returns its stdout. When
// the binary exits non-zero, stdout is still returned so the caller
// can parse the tool's error object out of it.
func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	output, err := command.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return output, fmt.Errorf("%s exited %d: %s", name, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return output, err
	}
	return output, nil
}
