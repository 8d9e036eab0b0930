// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/netutil"
)

// DefaultAPIURL is the hosted Bot API endpoint. A self-hosted
// telegram-bot-api server can be substituted through ClientConfig to
// lift the 50 MB upload limit.
const DefaultAPIURL = "https://api.telegram.org"

// defaultUploadTimeout bounds one sendDocument attempt. Decrypted app
// archives run to hundreds of megabytes; when the bound expires the
// upload reports context.DeadlineExceeded, which callers treat as an
// indeterminate outcome rather than a definite failure.
const defaultUploadTimeout = 15 * time.Minute

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Token is the bot token from @BotFather. Required.
	Token string
	// APIURL is the Bot API base URL. If empty, DefaultAPIURL is used.
	APIURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used. It must not set a Timeout shorter than the getUpdates
	// long-poll window.
	HTTPClient *http.Client
	// UploadTimeout bounds a single document upload. If zero,
	// defaultUploadTimeout is used.
	UploadTimeout time.Duration
	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is a Telegram Bot API client. It holds the API base URL, the
// bot token, and the HTTP transport, shared across the update watcher
// and the archive sink.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	uploadTimeout time.Duration
	logger        *slog.Logger
}

// NewClient creates a new Bot API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: Token is required")
	}

	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("telegram: invalid APIURL %q: %w", apiURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	uploadTimeout := config.UploadTimeout
	if uploadTimeout == 0 {
		uploadTimeout = defaultUploadTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:       strings.TrimRight(apiURL, "/") + "/bot" + config.Token,
		httpClient:    httpClient,
		uploadTimeout: uploadTimeout,
		logger:        logger,
	}, nil
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. The update watcher calls this after a
// network disruption to force subsequent requests onto fresh TCP
// connections instead of reusing a poisoned pooled connection.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// GetMe returns the bot's own account. Useful as a token check at
// startup: an invalid token fails here with a 401 APIError.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, fmt.Errorf("telegram: getMe failed: %w", err)
	}
	return &me, nil
}

// SendMessage sends a plain-text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (*Message, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	var message Message
	if err := c.call(ctx, "sendMessage", payload, &message); err != nil {
		return nil, fmt.Errorf("telegram: sendMessage to %d failed: %w", chatID, err)
	}
	return &message, nil
}

// EditMessageText replaces the text of a previously sent message.
// Progress updates edit one status message in place instead of
// flooding the chat.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if err := c.call(ctx, "editMessageText", payload, nil); err != nil {
		// Editing to identical text is a 400; the status is already
		// what we wanted it to be.
		if IsAPIError(err, http.StatusBadRequest) {
			return nil
		}
		return fmt.Errorf("telegram: editMessageText in %d failed: %w", chatID, err)
	}
	return nil
}

// SendChatAction shows a transient "uploading a file" style indicator
// in the chat. Failures are not actionable and are swallowed after
// logging.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) {
	payload := map[string]any{
		"chat_id": chatID,
		"action":  action,
	}
	if err := c.call(ctx, "sendChatAction", payload, nil); err != nil {
		c.logger.Debug("chat action failed", "chat_id", chatID, "action", action, "error", err)
	}
}

// CopyMessage copies a message (and its attachment) from one chat into
// another without a forward header. Delivering an archived document to
// a requester this way avoids re-uploading the file.
func (c *Client) CopyMessage(ctx context.Context, toChatID, fromChatID, messageID int64) (*MessageRef, error) {
	payload := map[string]any{
		"chat_id":      toChatID,
		"from_chat_id": fromChatID,
		"message_id":   messageID,
	}
	var ref MessageRef
	if err := c.call(ctx, "copyMessage", payload, &ref); err != nil {
		return nil, fmt.Errorf("telegram: copyMessage %d/%d to %d failed: %w", fromChatID, messageID, toChatID, err)
	}
	return &ref, nil
}

// GetUpdates long-polls for new updates. The server holds the request
// open for up to timeout seconds; offset acknowledges all updates with
// a smaller update_id. The context must outlive the poll window.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout int, allowed []string) ([]Update, error) {
	payload := map[string]any{
		"offset":  offset,
		"timeout": timeout,
	}
	if len(allowed) > 0 {
		payload["allowed_updates"] = allowed
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, fmt.Errorf("telegram: getUpdates failed: %w", err)
	}
	return updates, nil
}

// SendDocument uploads a file as a document message. The body is
// streamed through a pipe so the file never sits in memory whole;
// progress, when non-nil, observes bytes handed to the transport. The
// upload runs under the client's upload timeout independent of the
// caller's context deadline.
func (c *Client) SendDocument(ctx context.Context, chatID int64, filename, caption string, body io.Reader, size int64, progress func(sent, total int64)) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)

	go func() {
		err := writeDocumentForm(writer, chatID, filename, caption, body, size, progress)
		if err != nil {
			pipeWriter.CloseWithError(err)
			return
		}
		pipeWriter.CloseWithError(writer.Close())
	}()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sendDocument", pipeReader)
	if err != nil {
		return nil, fmt.Errorf("telegram: failed to create upload request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Unwind to the context error so deadline expiry is
		// classified as a timeout by outcome reconciliation.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("telegram: sendDocument to %d: %w", chatID, ctxErr)
		}
		return nil, fmt.Errorf("telegram: sendDocument to %d failed: %w", chatID, err)
	}
	defer response.Body.Close()

	var message Message
	if err := c.parseEnvelope(response.Body, &message); err != nil {
		return nil, fmt.Errorf("telegram: sendDocument to %d failed: %w", chatID, err)
	}
	return &message, nil
}

// writeDocumentForm writes the sendDocument multipart body: the scalar
// fields first, then the streamed file part.
func writeDocumentForm(writer *multipart.Writer, chatID int64, filename, caption string, body io.Reader, size int64, progress func(sent, total int64)) error {
	if err := writer.WriteField("chat_id", fmt.Sprintf("%d", chatID)); err != nil {
		return err
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return err
		}
	}
	part, err := writer.CreateFormFile("document", filename)
	if err != nil {
		return err
	}
	var source io.Reader = body
	if progress != nil {
		source = &progressReader{reader: body, total: size, report: progress}
	}
	_, err = io.Copy(part, source)
	return err
}

// progressReader reports cumulative bytes read to a callback. Reads
// happen on the upload pipe goroutine; the callback must be safe to
// call from there.
type progressReader struct {
	reader io.Reader
	sent   int64
	total  int64
	report func(sent, total int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent += int64(n)
		r.report(r.sent, r.total)
	}
	return n, err
}

// call performs one Bot API method call with a JSON payload and
// decodes the result envelope into result when result is non-nil.
func (c *Client) call(ctx context.Context, method string, payload, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	return c.parseEnvelope(response.Body, result)
}

// parseEnvelope decodes the {ok, result, error_code, description}
// envelope, returning an *APIError when ok is false.
func (c *Client) parseEnvelope(body io.Reader, result any) error {
	responseBody, err := netutil.ReadResponse(body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return fmt.Errorf("unexpected response: %s", string(responseBody))
	}

	if !envelope.OK {
		apiErr := &APIError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil {
			apiErr.RetryAfter = envelope.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}
