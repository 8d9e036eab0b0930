// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package appstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/netutil"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
)

// DefaultLookupURL is the public iTunes metadata endpoint.
const DefaultLookupURL = "https://itunes.apple.com"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Country is the default storefront used when a target carries
	// none. Required.
	Country string
	// IPAToolPath is the resolved path of the ipatool binary.
	// Required; it holds the Apple ID session.
	IPAToolPath string
	// DownloadDir is where downloaded IPAs land. Required.
	DownloadDir string
	// LookupURL overrides the metadata endpoint.
	LookupURL string
	// HTTPClient is used for lookup requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is the App Store collaborator: metadata over HTTP, purchase
// and download through ipatool.
type Client struct {
	lookupURL   string
	country     string
	tool        string
	downloadDir string
	httpClient  *http.Client
	logger      *slog.Logger

	// execute is replaceable in tests.
	execute func(ctx context.Context, name string, args ...string) ([]byte, error)

	// bundleIDs caches itemID to bundleID from lookups; ipatool
	// addresses apps by bundle identifier.
	mu        sync.Mutex
	bundleIDs map[string]string
}

// NewClient creates a store client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Country == "" {
		return nil, fmt.Errorf("appstore: Country is required")
	}
	if config.IPAToolPath == "" {
		return nil, fmt.Errorf("appstore: IPAToolPath is required")
	}
	if config.DownloadDir == "" {
		return nil, fmt.Errorf("appstore: DownloadDir is required")
	}
	lookupURL := config.LookupURL
	if lookupURL == "" {
		lookupURL = DefaultLookupURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		lookupURL:   strings.TrimRight(lookupURL, "/"),
		country:     config.Country,
		tool:        config.IPAToolPath,
		downloadDir: config.DownloadDir,
		httpClient:  httpClient,
		logger:      logger,
		execute:     runCommand,
		bundleIDs:   make(map[string]string),
	}, nil
}

// lookupEnvelope is the iTunes lookup response shape.
type lookupEnvelope struct {
	ResultCount int            `json:"resultCount"`
	Results     []lookupResult `json:"results"`
}

type lookupResult struct {
	TrackID       int64    `json:"trackId"`
	BundleID      string   `json:"bundleId"`
	TrackName     string   `json:"trackName"`
	Version       string   `json:"version"`
	Price         float64  `json:"price"`
	ArtworkURL512 string   `json:"artworkUrl512"`
	ArtworkURL100 string   `json:"artworkUrl100"`
	Description   string   `json:"description"`
	Genres        []string `json:"genres"`
}

// Lookup resolves an item ID against a storefront. Returns
// pipeline.ErrMetadataNotFound when the store has no such item.
func (c *Client) Lookup(ctx context.Context, itemID, country string) (*pipeline.AppMetadata, error) {
	result, err := c.rawLookup(ctx, itemID, country)
	if err != nil {
		return nil, err
	}

	artwork := result.ArtworkURL512
	if artwork == "" {
		artwork = result.ArtworkURL100
	}
	return &pipeline.AppMetadata{
		ItemID:     strconv.FormatInt(result.TrackID, 10),
		BundleID:   result.BundleID,
		Version:    result.Version,
		Name:       result.TrackName,
		Price:      result.Price,
		ArtworkURL: artwork,
	}, nil
}

// Classify decides whether an app's category is supported, from the
// same lookup metadata. Apps whose content sits behind a recurring
// subscription decrypt into a useless shell; they are flagged so
// admission can reject them before quota is spent.
func (c *Client) Classify(ctx context.Context, storeURL, country string) (pipeline.Classification, error) {
	target, err := ParseTarget(storeURL)
	if err != nil {
		return pipeline.Classification{}, err
	}
	if country == "" {
		country = target.Country
	}
	result, err := c.rawLookup(ctx, target.ItemID, country)
	if err != nil {
		return pipeline.Classification{}, err
	}
	return pipeline.Classification{
		Paid:                result.Price > 0,
		PremiumSubscription: describesSubscription(result),
	}, nil
}

// subscriptionMarkers are the store-listing phrases that mark
// subscription-gated apps. The lookup API exposes no structured
// subscription field, so the listing text is the only signal.
var subscriptionMarkers = []string{
	"subscription required",
	"requires a subscription",
	"requires an active subscription",
	"premium subscription",
}

func describesSubscription(result *lookupResult) bool {
	if result.Price > 0 {
		// Paid up front; whatever it sells beyond that is out of our
		// hands after purchase.
		return false
	}
	description := strings.ToLower(result.Description)
	for _, marker := range subscriptionMarkers {
		if strings.Contains(description, marker) {
			return true
		}
	}
	return false
}

// rawLookup fetches one lookup result and caches its bundle ID.
func (c *Client) rawLookup(ctx context.Context, itemID, country string) (*lookupResult, error) {
	if country == "" {
		country = c.country
	}
	query := url.Values{}
	query.Set("id", itemID)
	query.Set("country", country)
	requestURL := c.lookupURL + "/lookup?" + query.Encode()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("appstore: failed to create lookup request: %w", err)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("appstore: lookup for %s failed: %w", itemID, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("appstore: lookup for %s returned %d: %s",
			itemID, response.StatusCode, netutil.ErrorBody(response.Body))
	}

	var envelope lookupEnvelope
	if err := netutil.DecodeResponse(response.Body, &envelope); err != nil {
		return nil, fmt.Errorf("appstore: failed to parse lookup response: %w", err)
	}
	if envelope.ResultCount == 0 || len(envelope.Results) == 0 {
		return nil, fmt.Errorf("appstore: item %s in %s: %w", itemID, country, pipeline.ErrMetadataNotFound)
	}

	result := envelope.Results[0]
	c.mu.Lock()
	c.bundleIDs[itemID] = result.BundleID
	c.mu.Unlock()
	return &result, nil
}

// bundleID resolves an item ID to its bundle identifier, consulting
// the cache from earlier lookups first.
func (c *Client) bundleID(ctx context.Context, itemID string) (string, error) {
	c.mu.Lock()
	cached := c.bundleIDs[itemID]
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	metadata, err := c.Lookup(ctx, itemID, "")
	if err != nil {
		return "", err
	}
	return metadata.BundleID, nil
}
