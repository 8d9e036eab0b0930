// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
)

// defaultDecryptBin is the on-device decryption CLI. Given a bundle
// ID it dumps the decrypted app as an IPA into its output directory.
const defaultDecryptBin = "foulwrapper"

// DecryptorConfig holds configuration for creating a Decryptor.
type DecryptorConfig struct {
	// Device runs commands and moves files. Required.
	Device pipeline.DeviceController
	// Tool overrides the decrypt binary name.
	Tool string
	// OutputDir is the remote directory the tool writes archives to.
	// If empty, defaultStagingDir is used.
	OutputDir string
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Decryptor runs the on-device decrypt tool and retrieves the archive
// it produces. The tool names its output itself, so the new archive is
// found by diffing the output directory around the run.
type Decryptor struct {
	device    pipeline.DeviceController
	tool      string
	outputDir string
	logger    *slog.Logger
}

// NewDecryptor creates a decryptor over the given device.
func NewDecryptor(config DecryptorConfig) (*Decryptor, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("device: Device is required")
	}
	tool := config.Tool
	if tool == "" {
		tool = defaultDecryptBin
	}
	outputDir := config.OutputDir
	if outputDir == "" {
		outputDir = defaultStagingDir
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Decryptor{
		device:    config.Device,
		tool:      tool,
		outputDir: outputDir,
		logger:    logger,
	}, nil
}

// Decrypt dumps the app with the given bundle ID, downloads the
// resulting IPA into localDir, removes the remote copy, and returns
// the local path.
func (d *Decryptor) Decrypt(ctx context.Context, bundleID, localDir string) (string, error) {
	if err := d.device.EnsureConnected(ctx); err != nil {
		return "", err
	}

	before, err := d.device.List(ctx, d.outputDir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", d.outputDir, err)
	}
	existing := make(map[string]bool, len(before))
	for _, name := range before {
		existing[name] = true
	}

	d.logger.Info("decrypting", "bundle_id", bundleID)
	if _, err := d.device.Run(ctx, d.tool+" "+quoteArg(bundleID)); err != nil {
		return "", fmt.Errorf("decrypt tool: %w", err)
	}

	after, err := d.device.List(ctx, d.outputDir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", d.outputDir, err)
	}
	var produced string
	for _, name := range after {
		if existing[name] || !strings.HasSuffix(name, ".ipa") {
			continue
		}
		produced = name
		break
	}
	if produced == "" {
		return "", fmt.Errorf("decrypt tool produced no archive for %s", bundleID)
	}

	remotePath := path.Join(d.outputDir, produced)
	localPath := filepath.Join(localDir, produced)
	if err := d.device.Download(ctx, remotePath, localPath); err != nil {
		return "", fmt.Errorf("fetching %s: %w", produced, err)
	}
	if err := d.device.Delete(context.WithoutCancel(ctx), remotePath); err != nil {
		d.logger.Warn("decrypted archive not removed from device", "path", remotePath, "error", err)
	}
	return localPath, nil
}
