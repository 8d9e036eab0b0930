// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testToken = "12345:TEST-TOKEN"

// newTestClient starts a fake Bot API server around handler and
// returns a Client pointed at it. The server is shut down when the
// test completes.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		Token:  testToken,
		APIURL: server.URL,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

// writeResult writes a successful Bot API envelope around result.
func writeResult(t *testing.T, writer http.ResponseWriter, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("encoding result: %v", err)
	}
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(map[string]any{
		"ok":     true,
		"result": json.RawMessage(raw),
	})
}

// writeAPIError writes a failed Bot API envelope.
func writeAPIError(writer http.ResponseWriter, code int, description string, retryAfter int) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(code)
	envelope := map[string]any{
		"ok":          false,
		"error_code":  code,
		"description": description,
	}
	if retryAfter > 0 {
		envelope["parameters"] = map[string]any{"retry_after": retryAfter}
	}
	json.NewEncoder(writer).Encode(envelope)
}

// decodeBody decodes a JSON request body into a map.
func decodeBody(t *testing.T, request *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		t.Fatalf("decoding request body: %v", err)
	}
	return body
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		client, err := NewClient(ClientConfig{Token: testToken})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client == nil {
			t.Fatal("NewClient returned nil")
		}
	})

	t.Run("missing token", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for missing token")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{Token: testToken, APIURL: "://invalid"}); err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/bot"+testToken+"/sendMessage" {
			t.Errorf("unexpected path: %s", request.URL.Path)
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		body := decodeBody(t, request)
		if body["chat_id"] != float64(42) {
			t.Errorf("unexpected chat_id: %v", body["chat_id"])
		}
		if body["text"] != "hello" {
			t.Errorf("unexpected text: %v", body["text"])
		}
		writeResult(t, writer, Message{MessageID: 7, Chat: Chat{ID: 42, Type: "private"}, Text: "hello"})
	})

	message, err := client.SendMessage(context.Background(), 42, "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if message.MessageID != 7 {
		t.Errorf("unexpected message ID %d", message.MessageID)
	}
}

func TestAPIErrorExtraction(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writeAPIError(writer, http.StatusTooManyRequests, "Too Many Requests: retry after 9", 9)
	})

	_, err := client.SendMessage(context.Background(), 42, "hello")
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.Code != http.StatusTooManyRequests {
		t.Errorf("unexpected code %d", apiErr.Code)
	}
	if apiErr.RetryAfter != 9 {
		t.Errorf("unexpected retry-after %d", apiErr.RetryAfter)
	}
	if !IsAPIError(err, http.StatusTooManyRequests) {
		t.Error("IsAPIError did not match")
	}
	if IsAPIError(err, http.StatusForbidden) {
		t.Error("IsAPIError matched the wrong code")
	}
}

func TestAPIErrorTimeoutClassification(t *testing.T) {
	t.Parallel()

	gateway := &APIError{Code: http.StatusGatewayTimeout, Description: "Gateway Timeout"}
	if !gateway.Timeout() {
		t.Error("504 should classify as a timeout")
	}
	badRequest := &APIError{Code: http.StatusBadRequest, Description: "Bad Request"}
	if badRequest.Timeout() {
		t.Error("400 should not classify as a timeout")
	}
}

func TestGetMe(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/bot"+testToken+"/getMe" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeResult(t, writer, User{ID: 99, IsBot: true, FirstName: "decryptor", Username: "ipa_decrypt_bot"})
	})

	me, err := client.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe failed: %v", err)
	}
	if me.Username != "ipa_decrypt_bot" {
		t.Errorf("unexpected username %q", me.Username)
	}
	if me.DisplayName() != "@ipa_decrypt_bot" {
		t.Errorf("unexpected display name %q", me.DisplayName())
	}
}

func TestEditMessageTextIdenticalTextIsNotAnError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		writeAPIError(writer, http.StatusBadRequest, "Bad Request: message is not modified", 0)
	})

	if err := client.EditMessageText(context.Background(), 42, 7, "same text"); err != nil {
		t.Fatalf("EditMessageText should swallow not-modified responses: %v", err)
	}
}

func TestGetUpdates(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		body := decodeBody(t, request)
		if body["offset"] != float64(12) {
			t.Errorf("unexpected offset: %v", body["offset"])
		}
		writeResult(t, writer, []Update{
			{UpdateID: 12, Message: &Message{MessageID: 1, Chat: Chat{ID: 5}, Text: "/status"}},
			{UpdateID: 13, ChannelPost: &Message{MessageID: 2, Chat: Chat{ID: -100}}},
		})
	})

	updates, err := client.GetUpdates(context.Background(), 12, 30, []string{"message", "channel_post"})
	if err != nil {
		t.Fatalf("GetUpdates failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	if updates[0].Message == nil || updates[0].Message.Text != "/status" {
		t.Errorf("first update not decoded: %+v", updates[0])
	}
	if updates[1].ChannelPost == nil {
		t.Errorf("second update missing channel post: %+v", updates[1])
	}
}

func TestCopyMessage(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		body := decodeBody(t, request)
		if body["chat_id"] != float64(42) || body["from_chat_id"] != float64(-100) || body["message_id"] != float64(7) {
			t.Errorf("unexpected copy parameters: %v", body)
		}
		writeResult(t, writer, MessageRef{MessageID: 8})
	})

	ref, err := client.CopyMessage(context.Background(), 42, -100, 7)
	if err != nil {
		t.Fatalf("CopyMessage failed: %v", err)
	}
	if ref.MessageID != 8 {
		t.Errorf("unexpected copied message ID %d", ref.MessageID)
	}
}

func TestSendDocument(t *testing.T) {
	t.Parallel()

	const payload = "fake ipa bytes"

	client := newTestClient(t, func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/bot"+testToken+"/sendDocument" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if err := request.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart form: %v", err)
		}
		if got := request.FormValue("chat_id"); got != "-100" {
			t.Errorf("unexpected chat_id %q", got)
		}
		if got := request.FormValue("caption"); got != "Things v1.2\nitem: 123" {
			t.Errorf("unexpected caption %q", got)
		}
		file, header, err := request.FormFile("document")
		if err != nil {
			t.Fatalf("reading document part: %v", err)
		}
		defer file.Close()
		if header.Filename != "things.ipa" {
			t.Errorf("unexpected filename %q", header.Filename)
		}
		content, err := io.ReadAll(file)
		if err != nil {
			t.Fatalf("reading document content: %v", err)
		}
		if string(content) != payload {
			t.Errorf("unexpected document content %q", content)
		}
		writeResult(t, writer, Message{MessageID: 55, Chat: Chat{ID: -100, Type: "channel"}})
	})

	var lastSent, lastTotal int64
	message, err := client.SendDocument(context.Background(), -100, "things.ipa",
		"Things v1.2\nitem: 123", strings.NewReader(payload), int64(len(payload)),
		func(sent, total int64) { lastSent, lastTotal = sent, total })
	if err != nil {
		t.Fatalf("SendDocument failed: %v", err)
	}
	if message.MessageID != 55 {
		t.Errorf("unexpected message ID %d", message.MessageID)
	}
	if lastSent != int64(len(payload)) || lastTotal != int64(len(payload)) {
		t.Errorf("progress ended at %d/%d, want %d/%d", lastSent, lastTotal, len(payload), len(payload))
	}
}

func TestSendDocumentTimeoutClassifiesAsDeadline(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// Drain the body so the server can observe the client
		// disconnect, then hold the request until the client
		// gives up.
		io.Copy(io.Discard, request.Body)
		<-request.Context().Done()
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		Token:         testToken,
		APIURL:        server.URL,
		UploadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.SendDocument(context.Background(), -100, "things.ipa", "",
		strings.NewReader("abc"), 3, nil)
	if err == nil {
		t.Fatal("expected upload timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
