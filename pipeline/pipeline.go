// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zeebo/blake3"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/queue"
)

// Pipeline executes admitted requests against the collaborators. It
// implements queue.Runner; the executor calls Run with exactly one
// entry at a time.
type Pipeline struct {
	store      StoreClient
	classifier Classifier
	device     DeviceController
	packages   PackageManager
	decryptor  Decryptor
	sink       ArchiveSink
	reconciler *Reconciler

	country     string
	downloadDir string
	logger      *slog.Logger
}

// Config configures a Pipeline.
type Config struct {
	Store      StoreClient
	Classifier Classifier
	Device     DeviceController
	Packages   PackageManager
	Decryptor  Decryptor
	Sink       ArchiveSink
	Reconciler *Reconciler

	// Country is the storefront code for lookups and downloads.
	Country string

	// DownloadDir stages fetched and decrypted IPAs locally.
	DownloadDir string

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:       cfg.Store,
		classifier:  cfg.Classifier,
		device:      cfg.Device,
		packages:    cfg.Packages,
		decryptor:   cfg.Decryptor,
		sink:        cfg.Sink,
		reconciler:  cfg.Reconciler,
		country:     cfg.Country,
		downloadDir: cfg.DownloadDir,
		logger:      logger,
	}
}

// Run executes one entry to settlement. Failures are wrapped with the
// step they occurred in, reported to the requester as a generic
// message, and returned for the executor to log; they never halt the
// loop.
func (p *Pipeline) Run(ctx context.Context, entry *queue.Entry) error {
	var err error
	switch entry.Request.Kind {
	case queue.KindDecrypt:
		err = p.runDecrypt(ctx, entry)
	case queue.KindInstall:
		err = p.runInstall(ctx, entry)
	case queue.KindUninstall:
		err = p.runUninstall(ctx, entry)
	default:
		err = &StepError{Step: "dispatch", RequestID: entry.RequestID,
			Err: fmt.Errorf("unknown request kind %d", entry.Request.Kind)}
	}
	if err != nil {
		p.reportFailure(ctx, entry, err)
	}
	return err
}

// runDecrypt is the full sequence: classify, look up, serve a cached
// archive copy or purchase/download/decrypt, archive, deliver, clean
// up.
func (p *Pipeline) runDecrypt(ctx context.Context, entry *queue.Entry) error {
	fail := func(step string, err error) error {
		return &StepError{Step: step, RequestID: entry.RequestID, Err: err}
	}

	entry.Reply.Notify(ctx, "Looking up the app...")
	meta, err := p.store.Lookup(ctx, entry.Request.ItemID, p.country)
	if err != nil {
		return fail("lookup", err)
	}

	if entry.Request.StoreURL != "" {
		verdict, err := p.classifier.Classify(ctx, entry.Request.StoreURL, p.country)
		if err != nil {
			return fail("classify", err)
		}
		if verdict.PremiumSubscription {
			return fail("classify", &UnsupportedCategoryError{
				Reason: "subscription-gated apps cannot be decrypted usefully",
			})
		}
	}

	// The archive doubles as a completion cache: a previously decrypted
	// copy of this exact version is delivered without touching the
	// device.
	cached, err := p.sink.FindExisting(ctx, meta.Name, meta.ItemID, meta.Version)
	if err != nil {
		p.logger.Debug("archive cache probe failed", "request_id", entry.RequestID, "error", err)
	}
	if cached != "" {
		p.logger.Info("serving cached archive copy",
			"request_id", entry.RequestID, "sink_id", cached)
		entry.Reply.Notify(ctx, fmt.Sprintf("%s v%s is already in the archive, sending it over...", meta.Name, meta.Version))
		if err := p.sink.DeliverToRequester(ctx, cached, entry.Reply.ChatID()); err != nil {
			return fail("deliver", err)
		}
		entry.Reply.Notify(ctx, "Done. Enjoy!")
		return nil
	}

	entry.Reply.Notify(ctx, fmt.Sprintf("Acquiring a license for %s...", meta.Name))
	outcome, err := p.store.Purchase(ctx, meta.ItemID)
	if err != nil {
		return fail("purchase", err)
	}
	switch outcome {
	case OutcomePurchased, OutcomeAlreadyOwned:
		// Both continue: an existing license is as good as a new one.
	case OutcomeFailed:
		return fail("purchase", &PurchaseFailedError{ItemID: meta.ItemID})
	}

	entry.Reply.Notify(ctx, "Downloading from the App Store...")
	ipaPath, err := p.store.Download(ctx, meta.ItemID, p.country)
	if err != nil {
		return fail("download", err)
	}
	defer p.removeLocal(ipaPath)

	if err := p.device.EnsureConnected(ctx); err != nil {
		return fail("connect", err)
	}

	entry.Reply.Notify(ctx, "Installing on the device...")
	if err := p.packages.Install(ctx, ipaPath); err != nil {
		return fail("install", err)
	}

	entry.Reply.Notify(ctx, "Decrypting... this can take a few minutes.")
	decryptedPath, err := p.decryptor.Decrypt(ctx, meta.BundleID, p.downloadDir)
	if err != nil {
		return fail("decrypt", err)
	}
	defer p.removeLocal(decryptedPath)

	digest, err := fileDigest(decryptedPath)
	if err != nil {
		return fail("digest", err)
	}

	entry.Reply.Notify(ctx, "Uploading to the archive...")
	sinkID, err := p.reconciler.Upload(ctx, decryptedPath, ArchiveMetadata{
		Name:    meta.Name,
		ItemID:  meta.ItemID,
		Version: meta.Version,
		Digest:  digest,
	}, p.progressNotifier(ctx, entry))
	if err != nil {
		return fail("archive", err)
	}

	if err := p.sink.DeliverToRequester(ctx, sinkID, entry.Reply.ChatID()); err != nil {
		return fail("deliver", err)
	}

	entry.Reply.Notify(ctx, fmt.Sprintf("Done. %s v%s decrypted and delivered.", meta.Name, meta.Version))
	return nil
}

func (p *Pipeline) runInstall(ctx context.Context, entry *queue.Entry) error {
	fail := func(step string, err error) error {
		return &StepError{Step: step, RequestID: entry.RequestID, Err: err}
	}

	meta, err := p.store.Lookup(ctx, entry.Request.ItemID, p.country)
	if err != nil {
		return fail("lookup", err)
	}

	if err := p.device.EnsureConnected(ctx); err != nil {
		return fail("connect", err)
	}
	installed, err := p.packages.IsInstalled(ctx, meta.BundleID)
	if err != nil {
		return fail("install", err)
	}
	if installed {
		entry.Reply.Notify(ctx, fmt.Sprintf("%s is already installed.", meta.Name))
		return nil
	}

	entry.Reply.Notify(ctx, fmt.Sprintf("Downloading %s...", meta.Name))
	ipaPath, err := p.store.Download(ctx, meta.ItemID, p.country)
	if err != nil {
		return fail("download", err)
	}
	defer p.removeLocal(ipaPath)

	entry.Reply.Notify(ctx, "Installing on the device...")
	if err := p.packages.Install(ctx, ipaPath); err != nil {
		return fail("install", err)
	}
	entry.Reply.Notify(ctx, fmt.Sprintf("%s installed.", meta.Name))
	return nil
}

func (p *Pipeline) runUninstall(ctx context.Context, entry *queue.Entry) error {
	fail := func(step string, err error) error {
		return &StepError{Step: step, RequestID: entry.RequestID, Err: err}
	}

	meta, err := p.store.Lookup(ctx, entry.Request.ItemID, p.country)
	if err != nil {
		return fail("lookup", err)
	}
	if err := p.device.EnsureConnected(ctx); err != nil {
		return fail("connect", err)
	}
	if err := p.packages.Uninstall(ctx, meta.BundleID); err != nil {
		return fail("uninstall", err)
	}
	entry.Reply.Notify(ctx, fmt.Sprintf("%s removed from the device.", meta.Name))
	return nil
}

// reportFailure logs the step failure with full context and tells the
// requester something went wrong without leaking internals. Category
// errors get a specific, still internals-free message.
func (p *Pipeline) reportFailure(ctx context.Context, entry *queue.Entry, err error) {
	p.logger.Error("pipeline step failed",
		"request_id", entry.RequestID,
		"user_id", entry.Principal.ID,
		"kind", entry.Request.Kind.String(),
		"item_id", entry.Request.ItemID,
		"error", err,
	)

	var unsupported *UnsupportedCategoryError
	switch {
	case errors.As(err, &unsupported):
		entry.Reply.Notify(ctx, "This app needs an active subscription to work, so a decrypted copy would be useless. Request skipped.")
	case errors.Is(err, ErrMetadataNotFound):
		entry.Reply.Notify(ctx, "Couldn't find that app in the store. Check the link or ID and try again.")
	default:
		entry.Reply.Notify(ctx, "Something went wrong while processing your request. Please try again later.")
	}
}

// progressNotifier forwards coarse upload progress to the requester:
// one notification per 25% step, so a long transfer shows life without
// flooding the chat.
func (p *Pipeline) progressNotifier(ctx context.Context, entry *queue.Entry) ProgressFunc {
	lastQuarter := -1
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		quarter := int(done * 4 / total)
		if quarter > lastQuarter && quarter < 4 {
			lastQuarter = quarter
			entry.Reply.Notify(ctx, fmt.Sprintf("Uploading... %d%%", quarter*25))
		}
	}
}

// removeLocal deletes a staged file, logging rather than failing: the
// job has already settled by the time cleanup runs.
func (p *Pipeline) removeLocal(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("cleanup failed", "path", path, "error", err)
	}
}

// fileDigest returns the blake3 hex digest of a file.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
