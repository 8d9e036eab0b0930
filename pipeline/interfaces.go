// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "context"

// AppMetadata is the store's description of one app.
type AppMetadata struct {
	// ItemID is the numeric App Store identifier, as a string.
	ItemID string

	// BundleID is the reverse-DNS bundle identifier.
	BundleID string

	Version string
	Name    string

	// Price is in the storefront's currency; zero means free.
	Price float64

	ArtworkURL string
}

// PurchaseOutcome is the typed result of a purchase attempt. It
// replaces inferring "already owned" from error message text.
type PurchaseOutcome int

const (
	// OutcomePurchased means the license was newly acquired.
	OutcomePurchased PurchaseOutcome = iota
	// OutcomeAlreadyOwned means the account already holds a license.
	// Not an error: the pipeline continues to download.
	OutcomeAlreadyOwned
	// OutcomeFailed means the store refused the purchase.
	OutcomeFailed
)

// String returns the outcome name for logs.
func (o PurchaseOutcome) String() string {
	switch o {
	case OutcomePurchased:
		return "purchased"
	case OutcomeAlreadyOwned:
		return "already-owned"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// StoreClient looks up, purchases, and downloads apps.
type StoreClient interface {
	// Lookup resolves an item ID against a storefront. Returns
	// ErrMetadataNotFound when the store has no such item.
	Lookup(ctx context.Context, itemID, country string) (*AppMetadata, error)

	// Purchase acquires a license for the item. The outcome is
	// meaningful only when err is nil.
	Purchase(ctx context.Context, itemID string) (PurchaseOutcome, error)

	// Download fetches the (encrypted) IPA and returns its local path.
	Download(ctx context.Context, itemID, country string) (string, error)
}

// Classification is the paid/premium verdict for an app.
type Classification struct {
	// PremiumSubscription marks apps whose content sits behind a
	// recurring subscription; decrypting those yields a useless shell,
	// so they are rejected before any quota is consumed.
	PremiumSubscription bool

	// Paid marks apps with a non-zero up-front price.
	Paid bool
}

// Classifier decides whether an app's category is supported.
type Classifier interface {
	Classify(ctx context.Context, storeURL, country string) (Classification, error)
}

// DeviceController is authenticated remote command execution and file
// transfer against the one physical device.
type DeviceController interface {
	// EnsureConnected establishes the connection if needed. Idempotent;
	// safe to call before every operation.
	EnsureConnected(ctx context.Context) error

	// Run executes a shell command on the device and returns its
	// combined output.
	Run(ctx context.Context, command string) (string, error)

	FileExists(ctx context.Context, path string) (bool, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, path string) ([]string, error)
}

// PackageManager installs and removes apps on the device.
type PackageManager interface {
	// Install pushes and installs a local IPA file.
	Install(ctx context.Context, localPath string) error

	// Uninstall removes the app with the given bundle ID.
	Uninstall(ctx context.Context, bundleID string) error

	// Installed lists installed bundle IDs.
	Installed(ctx context.Context) ([]string, error)

	IsInstalled(ctx context.Context, bundleID string) (bool, error)
}

// Decryptor produces a decrypted IPA for an app installed on the
// device and stages it in a local directory.
type Decryptor interface {
	Decrypt(ctx context.Context, bundleID, localDir string) (string, error)
}

// ArchiveMetadata annotates an upload to the archive sink.
type ArchiveMetadata struct {
	Name    string
	ItemID  string
	Version string

	// Digest is the blake3 hex digest of the file, recorded in the
	// archive caption for verification and dedup.
	Digest string
}

// ProgressFunc receives transfer progress. total may be zero when the
// size is unknown.
type ProgressFunc func(done, total int64)

// ArchiveSink is the archival destination. It doubles as the
// completion cache: FindExisting serves repeat requests without
// touching the device.
type ArchiveSink interface {
	// UploadWithProgress stores a file and returns its sink item ID.
	UploadWithProgress(ctx context.Context, localPath string, meta ArchiveMetadata, onProgress ProgressFunc) (string, error)

	// FindExisting returns the sink item ID of a previously archived
	// copy matching name/item/version, or "" when there is none.
	FindExisting(ctx context.Context, name, itemID, version string) (string, error)

	// MostRecent returns the sink's most recently received item ID,
	// or "" when the sink is empty. Used only by the reconciler.
	MostRecent(ctx context.Context) (string, error)

	// DeliverToRequester sends an archived item to a chat.
	DeliverToRequester(ctx context.Context, sinkID string, chatID int64) error
}
