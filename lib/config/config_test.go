// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipabot.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const validConfig = `
telegram:
  token: "12345:testtoken"
  owner_id: 99
  backup_channel_id: -100200300
device:
  host: 192.168.1.20
  password: alpine
`

func TestLoadFileMergesOverDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFile(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	// Values from the file.
	if cfg.Telegram.OwnerID != 99 {
		t.Errorf("OwnerID = %d, want 99", cfg.Telegram.OwnerID)
	}
	if cfg.Device.Host != "192.168.1.20" {
		t.Errorf("Device.Host = %q", cfg.Device.Host)
	}

	// Defaults fill the rest.
	if cfg.Queue.FreeDailyLimit != 5 {
		t.Errorf("FreeDailyLimit = %d, want default 5", cfg.Queue.FreeDailyLimit)
	}
	if cfg.Device.Port != 22 {
		t.Errorf("Device.Port = %d, want default 22", cfg.Device.Port)
	}
	if got := cfg.PollInterval(); got != 3*time.Second {
		t.Errorf("PollInterval() = %v, want 3s", got)
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Queue.PollInterval = "not-a-duration"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an empty token and owner")
	}
	for _, want := range []string{"telegram.token", "telegram.owner_id", "device.host", "queue.poll_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q: %v", want, err)
		}
	}
}

func TestExpandVariables(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validConfig+`
paths:
  downloads: ${HOME}/ipa-staging
`))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := filepath.Join(os.Getenv("HOME"), "ipa-staging")
	if cfg.Paths.Downloads != want {
		t.Errorf("Downloads = %q, want %q", cfg.Paths.Downloads, want)
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("IPABOT_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded without IPABOT_CONFIG")
	}
}
