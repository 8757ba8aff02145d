package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jaervinen/taskbridge/internal/domain"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b, err := New(filepath.Join(t.TempDir(), "bridge"), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestWriteAndReadInbox(t *testing.T) {
	b := newTestBus(t)

	for i := 0; i < 3; i++ {
		if _, err := b.WriteMessage("alice", "bob", fmt.Sprintf("msg %d", i), WriteOptions{}); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := b.ReadInbox("bob", ReadFilter{})
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Content != fmt.Sprintf("msg %d", i) {
			t.Errorf("message %d out of order: %q", i, msg.Content)
		}
		if msg.From != "alice" || msg.To != "bob" || msg.Read {
			t.Errorf("message %d = %+v", i, msg)
		}
	}
}

func TestContentTruncation(t *testing.T) {
	b := newTestBus(t)
	big := strings.Repeat("x", MaxContentBytes+1000)

	msg, err := b.WriteMessage("alice", "bob", big, WriteOptions{})
	if err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if len(msg.Content) != MaxContentBytes {
		t.Errorf("content length = %d, want %d", len(msg.Content), MaxContentBytes)
	}

	msgs, err := b.ReadInbox("bob", ReadFilter{})
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ReadInbox: %v (%d msgs)", err, len(msgs))
	}
	if len(msgs[0].Content) != MaxContentBytes {
		t.Errorf("persisted length = %d", len(msgs[0].Content))
	}
}

func TestInboxCap(t *testing.T) {
	b := newTestBus(t)
	inbox := filepath.Join(b.Root(), "messages", "bob")
	if err := os.MkdirAll(inbox, 0o700); err != nil {
		t.Fatal(err)
	}

	// Seed exactly MaxInboxMessages files directly.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < MaxInboxMessages; i++ {
		msg := &domain.Message{
			ID:        fmt.Sprintf("seed-%04d-xxxxxxxx", i),
			Type:      domain.MsgMessage,
			From:      "alice",
			To:        "bob",
			Content:   "old",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		if err := writeJSON(filepath.Join(inbox, sortableName(msg.Timestamp, msg.ID)), msg); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := b.WriteMessage("alice", "bob", "the 501st", WriteOptions{}); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	names, err := listJSON(inbox)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != MaxInboxMessages {
		t.Errorf("inbox size = %d, want %d", len(names), MaxInboxMessages)
	}

	msgs, _ := b.ReadInbox("bob", ReadFilter{})
	last := msgs[len(msgs)-1]
	if last.Content != "the 501st" {
		t.Errorf("newest message = %q", last.Content)
	}
}

func TestBroadcastFanOut(t *testing.T) {
	b := newTestBus(t)
	for _, agent := range []string{"a", "b", "c"} {
		if err := b.EnsureInbox(agent); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := b.WriteMessage("a", domain.BroadcastRecipient, "ping", WriteOptions{Type: domain.MsgBroadcast}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, agent := range []string{"b", "c"} {
		msgs, err := b.ReadInbox(agent, ReadFilter{})
		if err != nil || len(msgs) != 1 {
			t.Fatalf("%s inbox: %v (%d msgs)", agent, err, len(msgs))
		}
		if msgs[0].To != agent || msgs[0].From != "a" || msgs[0].Type != domain.MsgBroadcast {
			t.Errorf("%s got %+v", agent, msgs[0])
		}
	}

	senderMsgs, _ := b.ReadInbox("a", ReadFilter{})
	if len(senderMsgs) != 0 {
		t.Errorf("sender received own broadcast: %d msgs", len(senderMsgs))
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	b := newTestBus(t)
	m1, _ := b.WriteMessage("alice", "bob", "one", WriteOptions{})
	m2, _ := b.WriteMessage("alice", "bob", "two", WriteOptions{})

	ids := []string{m1.ID, m2.ID}
	n, err := b.MarkRead("bob", ids)
	if err != nil || n != 2 {
		t.Fatalf("first MarkRead: n=%d err=%v", n, err)
	}
	n, err = b.MarkRead("bob", ids)
	if err != nil || n != 0 {
		t.Fatalf("second MarkRead: n=%d err=%v", n, err)
	}

	count, _ := b.UnreadCount("bob")
	if count != 0 {
		t.Errorf("unread = %d", count)
	}
}

func TestMarkAllRead(t *testing.T) {
	b := newTestBus(t)
	b.WriteMessage("alice", "bob", "one", WriteOptions{})
	b.WriteMessage("carol", "bob", "two", WriteOptions{})

	n, err := b.MarkAllRead("bob")
	if err != nil || n != 2 {
		t.Fatalf("MarkAllRead: n=%d err=%v", n, err)
	}
	unread, _ := b.UnreadMessages("bob")
	if len(unread) != 0 {
		t.Errorf("unread after MarkAllRead: %d", len(unread))
	}
}

func TestReadInboxFilters(t *testing.T) {
	b := newTestBus(t)
	b.WriteMessage("alice", "bob", "from alice", WriteOptions{})
	b.WriteMessage("carol", "bob", "from carol", WriteOptions{})

	msgs, err := b.ReadInbox("bob", ReadFilter{FromAgent: "carol"})
	if err != nil || len(msgs) != 1 || msgs[0].From != "carol" {
		t.Fatalf("filtered: %v %+v", err, msgs)
	}
}

func TestReadInboxSkipsCorrupt(t *testing.T) {
	b := newTestBus(t)
	b.WriteMessage("alice", "bob", "good", WriteOptions{})
	inbox := filepath.Join(b.Root(), "messages", "bob")
	if err := os.WriteFile(filepath.Join(inbox, "zzz-corrupt.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	msgs, err := b.ReadInbox("bob", ReadFilter{})
	if err != nil {
		t.Fatalf("ReadInbox: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "good" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestMissingInboxIsEmpty(t *testing.T) {
	b := newTestBus(t)
	msgs, err := b.ReadInbox("ghost", ReadFilter{})
	if err != nil || len(msgs) != 0 {
		t.Fatalf("got %v, %d msgs", err, len(msgs))
	}
}

func TestCreateAndClaimRequest(t *testing.T) {
	b := newTestBus(t)
	b.EnsureInbox("alice")
	b.EnsureInbox("bob")

	req, err := b.CreateRequest("alice", "review my PR", RequestOptions{TimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.Status != domain.RequestOpen || req.TimeoutSeconds != 60 {
		t.Errorf("req = %+v", req)
	}

	// Broadcast announcement reached bob.
	msgs, _ := b.ReadInbox("bob", ReadFilter{})
	if len(msgs) != 1 || msgs[0].Type != domain.MsgRequest || msgs[0].RequestID != req.ID {
		t.Errorf("announcement = %+v", msgs)
	}

	res, err := b.ClaimRequest(req.ID, "bob")
	if err != nil {
		t.Fatalf("ClaimRequest: %v", err)
	}
	if !res.Claimed || res.Request.ClaimedBy != "bob" || res.Request.Status != domain.RequestClaimed {
		t.Errorf("claim = %+v", res)
	}

	// Requester got a response message.
	aliceMsgs, _ := b.ReadInbox("alice", ReadFilter{})
	found := false
	for _, msg := range aliceMsgs {
		if msg.Type == domain.MsgResponse && msg.RequestID == req.ID && msg.From == "bob" {
			found = true
		}
	}
	if !found {
		t.Errorf("no response message to requester: %+v", aliceMsgs)
	}

	// Second claim fails without error.
	res2, err := b.ClaimRequest(req.ID, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if res2.Claimed || res2.Request.ClaimedBy != "bob" {
		t.Errorf("second claim = %+v", res2)
	}
}

func TestClaimUnknownRequest(t *testing.T) {
	b := newTestBus(t)
	res, err := b.ClaimRequest("no-such-id", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed || res.Request != nil {
		t.Errorf("res = %+v", res)
	}
}

func TestRequestExpiry(t *testing.T) {
	b := newTestBus(t)
	req, err := b.CreateRequest("alice", "stale work", RequestOptions{TimeoutSeconds: 1})
	if err != nil {
		t.Fatal(err)
	}

	// Backdate the persisted request past its deadline.
	path, stored, err := b.findRequest(req.ID)
	if err != nil || stored == nil {
		t.Fatalf("findRequest: %v", err)
	}
	stored.CreatedAt = time.Now().Add(-time.Minute)
	if err := writeJSON(path, stored); err != nil {
		t.Fatal(err)
	}

	open, err := b.ListOpenRequests()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("expired request listed as open: %+v", open)
	}

	got, _ := b.GetRequest(req.ID)
	if got.Status != domain.RequestExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}

	res, err := b.ClaimRequest(req.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed {
		t.Error("claimed an expired request")
	}
}

func TestClaimExpiresLazily(t *testing.T) {
	b := newTestBus(t)
	req, _ := b.CreateRequest("alice", "work", RequestOptions{TimeoutSeconds: 1})

	path, stored, _ := b.findRequest(req.ID)
	stored.CreatedAt = time.Now().Add(-time.Minute)
	writeJSON(path, stored)

	res, err := b.ClaimRequest(req.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if res.Claimed || res.Request.Status != domain.RequestExpired {
		t.Errorf("res = %+v", res.Request)
	}
}

func TestCleanup(t *testing.T) {
	b := newTestBus(t)
	b.WriteMessage("alice", "bob", "hi", WriteOptions{})
	b.CreateRequest("alice", "work", RequestOptions{})

	if err := b.Cleanup("bob"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := b.ReadInbox("bob", ReadFilter{})
	if len(msgs) != 0 {
		t.Errorf("inbox survived cleanup: %d", len(msgs))
	}

	if err := b.CleanupAll(); err != nil {
		t.Fatal(err)
	}
	open, _ := b.ListOpenRequests()
	if len(open) != 0 {
		t.Errorf("requests survived cleanupAll: %d", len(open))
	}
}

func TestSortableNameOrdering(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Second)
	n1 := sortableName(t1, "aaaaaaaa-1111")
	n2 := sortableName(t2, "bbbbbbbb-2222")
	if !(n1 < n2) {
		t.Errorf("%q not before %q", n1, n2)
	}
	if strings.ContainsAny(n1, ":.") {
		base := strings.TrimSuffix(n1, ".json")
		if strings.ContainsAny(base, ":.") {
			t.Errorf("unsanitized name %q", n1)
		}
	}
}

func TestWatcherRefresh(t *testing.T) {
	b := newTestBus(t)
	b.EnsureInbox("bob")

	refreshed := make(chan string, 10)
	w, err := b.Watch(nil, func(agent string) {
		refreshed <- agent
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if _, err := b.WriteMessage("alice", "bob", "hi", WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	select {
	case agent := <-refreshed:
		if agent != "bob" {
			t.Errorf("refreshed agent = %q", agent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no refresh callback")
	}
}
