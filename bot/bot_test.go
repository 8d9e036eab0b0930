// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/pipeline"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/queue"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/telegram"
)

const (
	ownerID int64 = 1
	adminID int64 = 2
	freeID  int64 = 3
)

type sentMessage struct {
	chatID int64
	text   string
}

// fakeMessenger records replies instead of sending them.
type fakeMessenger struct {
	mu     sync.Mutex
	sent   []sentMessage
	edits  []sentMessage
	nextID int64
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) (*telegram.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return &telegram.Message{MessageID: m.nextID, Chat: telegram.Chat{ID: chatID}, Text: text}, nil
}

func (m *fakeMessenger) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, sentMessage{chatID: chatID, text: text})
	return nil
}

func (m *fakeMessenger) lastText(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no reply was sent")
	}
	return m.sent[len(m.sent)-1].text
}

// fakeClassifier returns scripted verdicts keyed by the submitted
// argument; unknown arguments classify as free non-subscription.
type fakeClassifier struct {
	verdicts map[string]pipeline.Classification
}

func (c *fakeClassifier) Classify(ctx context.Context, storeURL, country string) (pipeline.Classification, error) {
	return c.verdicts[storeURL], nil
}

// fakePackages answers /apps with a fixed listing.
type fakePackages struct {
	bundles []string
}

func (p *fakePackages) Install(ctx context.Context, localPath string) error  { return nil }
func (p *fakePackages) Uninstall(ctx context.Context, bundleID string) error { return nil }
func (p *fakePackages) Installed(ctx context.Context) ([]string, error)      { return p.bundles, nil }
func (p *fakePackages) IsInstalled(ctx context.Context, bundleID string) (bool, error) {
	for _, bundle := range p.bundles {
		if bundle == bundleID {
			return true, nil
		}
	}
	return false, nil
}

// recordingObserver captures forwarded channel posts.
type recordingObserver struct {
	posts []*telegram.Message
}

func (o *recordingObserver) ObserveChannelPost(post *telegram.Message) {
	o.posts = append(o.posts, post)
}

type testBot struct {
	bot        *Bot
	state      *queue.State
	messenger  *fakeMessenger
	classifier *fakeClassifier
	observer   *recordingObserver
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	fakeClock := clock.Fake(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	state := queue.NewState(queue.Config{
		OwnerID:        ownerID,
		Public:         true,
		FreeDailyLimit: 5,
		Clock:          fakeClock,
	})
	state.AddAdmin(adminID)

	messenger := &fakeMessenger{}
	classifier := &fakeClassifier{verdicts: make(map[string]pipeline.Classification)}
	observer := &recordingObserver{}
	b, err := New(Config{
		Messenger:  messenger,
		State:      state,
		Classifier: classifier,
		Packages:   &fakePackages{bundles: []string{"com.example.one", "com.example.two"}},
		Observer:   observer,
		Country:    "us",
		Clock:      fakeClock,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testBot{bot: b, state: state, messenger: messenger, classifier: classifier, observer: observer}
}

// send routes one chat message from the given user.
func (tb *testBot) send(userID int64, text string) {
	tb.bot.HandleUpdate(context.Background(), telegram.Update{
		UpdateID: 1,
		Message: &telegram.Message{
			MessageID: 1,
			From:      &telegram.User{ID: userID, FirstName: "user"},
			Chat:      telegram.Chat{ID: userID, Type: "private"},
			Text:      text,
		},
	})
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/frobnicate")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "Unknown command") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestNonCommandTextIsIgnored(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "hello there")
	if len(tb.messenger.sent) != 0 {
		t.Errorf("unexpected replies: %v", tb.messenger.sent)
	}
}

func TestDecryptQueues(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/decrypt 111")
	if got := tb.messenger.lastText(t); got != "Queued. You're next." {
		t.Errorf("unexpected reply: %q", got)
	}
	tb.send(freeID, "/decrypt 222")
	if got := tb.messenger.lastText(t); got != "Queued at position 2." {
		t.Errorf("unexpected reply: %q", got)
	}

	snapshot := tb.state.Snapshot()
	if len(snapshot.Waiting) != 2 {
		t.Fatalf("expected 2 waiting entries, got %d", len(snapshot.Waiting))
	}
	if snapshot.Waiting[0].Kind != queue.KindDecrypt || snapshot.Waiting[0].ItemID != "111" {
		t.Errorf("unexpected first entry: %+v", snapshot.Waiting[0])
	}
}

func TestDecryptDuplicateReportsExistingPosition(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(adminID, "/decrypt 111")
	tb.send(freeID, "/decrypt 111")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "already queued at position 1") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestDecryptCommandAtBotSuffix(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/decrypt@ipa_decrypt_bot 111")
	if got := tb.messenger.lastText(t); got != "Queued. You're next." {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestDecryptNeedsArgument(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/decrypt")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "needs an argument") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestDecryptUnreadableTarget(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/decrypt what even is this")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "can't read that") {
		t.Errorf("unexpected reply: %q", got)
	}
	if snapshot := tb.state.Snapshot(); len(snapshot.Waiting) != 0 {
		t.Errorf("unreadable target was queued: %+v", snapshot.Waiting)
	}
}

func TestPremiumSubscriptionRejectedBeforeAdmission(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.classifier.verdicts["333"] = pipeline.Classification{PremiumSubscription: true}
	tb.send(freeID, "/decrypt 333")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "subscription") {
		t.Errorf("unexpected reply: %q", got)
	}
	if snapshot := tb.state.Snapshot(); len(snapshot.Waiting) != 0 {
		t.Errorf("premium app was queued: %+v", snapshot.Waiting)
	}
}

func TestPaidAppRejectedForFreeUsers(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.classifier.verdicts["444"] = pipeline.Classification{Paid: true}

	tb.send(freeID, "/decrypt 444")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "Paid apps") {
		t.Errorf("unexpected reply: %q", got)
	}

	// Admins are allowed to request paid apps.
	tb.send(adminID, "/decrypt 444")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "Queued") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestPrivateModeFlow(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)

	// Only the owner can toggle the mode.
	tb.send(freeID, "/mode private")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "not allowed") {
		t.Errorf("unexpected reply: %q", got)
	}

	tb.send(ownerID, "/mode private")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "private") {
		t.Errorf("unexpected reply: %q", got)
	}

	tb.send(freeID, "/decrypt 111")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "private mode") {
		t.Errorf("unexpected reply: %q", got)
	}

	// Admins still get through.
	tb.send(adminID, "/decrypt 111")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "Queued") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestAddAdmin(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	const newAdmin int64 = 77

	tb.send(newAdmin, "/apps")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "not allowed") {
		t.Errorf("unexpected reply: %q", got)
	}

	tb.send(ownerID, "/addadmin 77")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "now an admin") {
		t.Errorf("unexpected reply: %q", got)
	}
	tb.send(ownerID, "/addadmin 77")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "already an admin") {
		t.Errorf("unexpected reply: %q", got)
	}

	tb.send(newAdmin, "/apps")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "com.example.one") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestStatusRendering(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/status")
	got := tb.messenger.lastText(t)
	if !strings.Contains(got, "Mode: public") || !strings.Contains(got, "Queue: empty") {
		t.Errorf("unexpected idle status: %q", got)
	}

	tb.send(adminID, "/decrypt 111")
	tb.send(freeID, "/decrypt 222")
	tb.send(freeID, "/status")
	got = tb.messenger.lastText(t)
	if !strings.Contains(got, "Queue (2):") {
		t.Errorf("queue length missing: %q", got)
	}
	// Admin priority puts item 111 first regardless of enqueue order.
	if !strings.Contains(got, "1. decrypt 111") || !strings.Contains(got, "2. decrypt 222") {
		t.Errorf("queue order not rendered: %q", got)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/cancel")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "no waiting requests") {
		t.Errorf("unexpected reply: %q", got)
	}

	tb.send(freeID, "/decrypt 111")
	tb.send(freeID, "/decrypt 222")
	tb.send(freeID, "/cancel")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "Removed 2 waiting request(s)") {
		t.Errorf("unexpected reply: %q", got)
	}
	if snapshot := tb.state.Snapshot(); len(snapshot.Waiting) != 0 {
		t.Errorf("queue not emptied: %+v", snapshot.Waiting)
	}
}

func TestQuota(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/quota")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "5 free request(s)") {
		t.Errorf("unexpected reply: %q", got)
	}
	tb.send(ownerID, "/quota")
	if got := tb.messenger.lastText(t); !strings.Contains(got, "unlimited") {
		t.Errorf("unexpected reply: %q", got)
	}
}

func TestHelpIsRoleAware(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	tb.send(freeID, "/help")
	free := tb.messenger.lastText(t)
	if strings.Contains(free, "/mode") || strings.Contains(free, "/install") {
		t.Errorf("free help leaks privileged commands: %q", free)
	}

	tb.send(ownerID, "/help")
	owner := tb.messenger.lastText(t)
	if !strings.Contains(owner, "/mode") || !strings.Contains(owner, "/addadmin") || !strings.Contains(owner, "/install") {
		t.Errorf("owner help missing privileged commands: %q", owner)
	}
}

func TestChannelPostsFeedTheObserver(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	post := &telegram.Message{MessageID: 9, Chat: telegram.Chat{ID: -100, Type: "channel"}}
	tb.bot.HandleUpdate(context.Background(), telegram.Update{UpdateID: 2, ChannelPost: post})

	if len(tb.observer.posts) != 1 || tb.observer.posts[0] != post {
		t.Errorf("channel post not forwarded: %v", tb.observer.posts)
	}
	if len(tb.messenger.sent) != 0 {
		t.Errorf("channel post produced a reply: %v", tb.messenger.sent)
	}
}

func TestChatReplyEditsInPlace(t *testing.T) {
	t.Parallel()

	tb := newTestBot(t)
	reply := tb.bot.newReply(42)
	ctx := context.Background()

	reply.Notify(ctx, "Looking up the app...")
	reply.Notify(ctx, "Downloading...")
	reply.Notify(ctx, "Done.")

	if len(tb.messenger.sent) != 1 {
		t.Fatalf("expected one sent status message, got %d", len(tb.messenger.sent))
	}
	if len(tb.messenger.edits) != 2 {
		t.Fatalf("expected two edits, got %d", len(tb.messenger.edits))
	}
	if tb.messenger.edits[1].text != "Done." {
		t.Errorf("unexpected final edit: %q", tb.messenger.edits[1].text)
	}
}
