// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

// Ipabot-setup walks through first-time configuration: it collects the
// bot token and chat IDs interactively, verifies the token against the
// Bot API, probes the backup channel, and writes ipabot.yaml. Safe to
// re-run; it refuses to overwrite an existing file without --force.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/config"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/telegram"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		outputPath  string
		force       bool
		showVersion bool
	)
	pflag.StringVar(&outputPath, "config", "ipabot.yaml", "path to write the config file")
	pflag.BoolVar(&force, "force", false, "overwrite an existing config file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("ipabot-setup %s\n", version)
		return nil
	}

	if !force {
		if _, err := os.Stat(outputPath); err == nil {
			return fmt.Errorf("%s already exists; use --force to overwrite", outputPath)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	fmt.Println("ipabot first-time setup")
	fmt.Println("=======================")
	fmt.Println("You need: a bot token from @BotFather, your own Telegram user")
	fmt.Println("ID, a backup channel where the bot is an administrator, and a")
	fmt.Println("jailbroken device reachable over SSH.")
	fmt.Println()

	prompts := newPrompter()

	cfg := config.Default()

	token, err := prompts.secret("Bot token")
	if err != nil {
		return err
	}
	cfg.Telegram.Token = token

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := telegram.NewClient(telegram.ClientConfig{Token: token})
	if err != nil {
		return err
	}
	me, err := client.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("token rejected by the Bot API: %w", err)
	}
	fmt.Printf("Token OK. Bot is @%s (id %d).\n\n", me.Username, me.ID)

	cfg.Telegram.OwnerID, err = prompts.id("Your Telegram user ID (message @userinfobot to find it)")
	if err != nil {
		return err
	}
	cfg.Telegram.BackupChannelID, err = prompts.id("Backup channel ID (usually starts with -100)")
	if err != nil {
		return err
	}

	// Post a probe message so a wrong channel ID or a missing admin
	// grant shows up now rather than on the first finished job.
	if _, err := client.SendMessage(ctx, cfg.Telegram.BackupChannelID,
		"ipabot setup: backup channel reachable."); err != nil {
		fmt.Printf("Warning: cannot post to the backup channel: %v\n", err)
		fmt.Println("Add the bot as a channel administrator, then re-run setup")
		fmt.Println("or fix telegram.backup_channel_id by hand.")
	} else {
		fmt.Println("Backup channel OK.")
	}
	fmt.Println()

	cfg.Device.Host, err = prompts.required("Device SSH host")
	if err != nil {
		return err
	}
	cfg.Device.User, err = prompts.withDefault("Device SSH user", cfg.Device.User)
	if err != nil {
		return err
	}
	cfg.Device.Password, err = prompts.secret("Device SSH password (default iOS root password is alpine)")
	if err != nil {
		return err
	}
	cfg.AppStore.Country, err = prompts.withDefault("App Store country code", cfg.AppStore.Country)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Wrote %s.\n", outputPath)
	fmt.Println("Sign in to the App Store next: ipatool auth login -e <apple-id>")
	fmt.Printf("Then start the bot: IPABOT_CONFIG=%s ipabot\n", outputPath)
	return nil
}

// prompter reads interactive answers from stdin. Secrets are read with
// echo disabled when stdin is a terminal, and fall back to plain line
// reads when it is not (tests, piped input).
type prompter struct {
	reader *bufio.Reader
}

func newPrompter() *prompter {
	return &prompter{reader: bufio.NewReader(os.Stdin)}
}

func (p *prompter) line(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := p.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(text), nil
}

func (p *prompter) required(label string) (string, error) {
	for {
		value, err := p.line(label)
		if err != nil {
			return "", err
		}
		if value != "" {
			return value, nil
		}
		fmt.Println("A value is required.")
	}
}

func (p *prompter) withDefault(label, fallback string) (string, error) {
	value, err := p.line(fmt.Sprintf("%s [%s]", label, fallback))
	if err != nil {
		return "", err
	}
	if value == "" {
		return fallback, nil
	}
	return value, nil
}

func (p *prompter) secret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return p.required(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		value := strings.TrimSpace(string(raw))
		if value != "" {
			return value, nil
		}
		fmt.Println("A value is required.")
	}
}

func (p *prompter) id(label string) (int64, error) {
	for {
		value, err := p.required(label)
		if err != nil {
			return 0, err
		}
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil || id == 0 {
			fmt.Println("Enter a numeric Telegram ID.")
			continue
		}
		return id, nil
	}
}
