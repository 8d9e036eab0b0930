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

// defaultStagingDir is where IPAs land on the device before install
// and where the decrypt tool writes its output.
const defaultStagingDir = "/var/mobile/Documents"

// defaultInstallerBin is the on-device installer CLI. It installs an
// IPA given its path, uninstalls with -u, and lists with -l.
const defaultInstallerBin = "ipainstaller"

// PackagesConfig holds configuration for creating Packages.
type PackagesConfig struct {
	// Device runs commands and moves files. Required.
	Device pipeline.DeviceController
	// StagingDir is the remote directory IPAs are uploaded to before
	// install. If empty, defaultStagingDir is used.
	StagingDir string
	// InstallerBin overrides the installer binary name.
	InstallerBin string
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Packages installs and removes apps through the on-device installer.
type Packages struct {
	device     pipeline.DeviceController
	stagingDir string
	installer  string
	logger     *slog.Logger
}

// NewPackages creates a package manager over the given device.
func NewPackages(config PackagesConfig) (*Packages, error) {
	if config.Device == nil {
		return nil, fmt.Errorf("device: Device is required")
	}
	stagingDir := config.StagingDir
	if stagingDir == "" {
		stagingDir = defaultStagingDir
	}
	installer := config.InstallerBin
	if installer == "" {
		installer = defaultInstallerBin
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Packages{
		device:     config.Device,
		stagingDir: stagingDir,
		installer:  installer,
		logger:     logger,
	}, nil
}

// Install uploads a local IPA to the staging directory, installs it,
// and removes the staged copy.
func (p *Packages) Install(ctx context.Context, localPath string) error {
	if err := p.device.EnsureConnected(ctx); err != nil {
		return err
	}
	remotePath := path.Join(p.stagingDir, filepath.Base(localPath))
	if err := p.device.Upload(ctx, localPath, remotePath); err != nil {
		return fmt.Errorf("staging %s: %w", localPath, err)
	}
	defer func() {
		if err := p.device.Delete(context.WithoutCancel(ctx), remotePath); err != nil {
			p.logger.Warn("staged ipa not removed", "path", remotePath, "error", err)
		}
	}()

	if _, err := p.device.Run(ctx, p.installer+" "+quoteArg(remotePath)); err != nil {
		return fmt.Errorf("installing %s: %w", filepath.Base(localPath), err)
	}
	p.logger.Info("installed package", "ipa", filepath.Base(localPath))
	return nil
}

// Uninstall removes the app with the given bundle ID.
func (p *Packages) Uninstall(ctx context.Context, bundleID string) error {
	if err := p.device.EnsureConnected(ctx); err != nil {
		return err
	}
	if _, err := p.device.Run(ctx, p.installer+" -u "+quoteArg(bundleID)); err != nil {
		return fmt.Errorf("uninstalling %s: %w", bundleID, err)
	}
	p.logger.Info("uninstalled package", "bundle_id", bundleID)
	return nil
}

// Installed lists installed bundle IDs, one per output line of the
// installer's list mode.
func (p *Packages) Installed(ctx context.Context) ([]string, error) {
	if err := p.device.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	output, err := p.device.Run(ctx, p.installer+" -l")
	if err != nil {
		return nil, fmt.Errorf("listing packages: %w", err)
	}
	var bundles []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		bundles = append(bundles, line)
	}
	return bundles, nil
}

// IsInstalled reports whether a bundle ID appears in the installed
// list.
func (p *Packages) IsInstalled(ctx context.Context, bundleID string) (bool, error) {
	bundles, err := p.Installed(ctx)
	if err != nil {
		return false, err
	}
	for _, bundle := range bundles {
		if bundle == bundleID {
			return true, nil
		}
	}
	return false, nil
}
