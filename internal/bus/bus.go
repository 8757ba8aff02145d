// Package bus implements the on-disk cross-agent message bus: per-agent
// inbox directories plus an open-request exchange, one JSON file per object.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jaervinen/taskbridge/internal/domain"
)

const (
	// MaxContentBytes caps message content; longer content is truncated.
	MaxContentBytes = 64 * 1024
	// MaxInboxMessages caps an inbox; older files are dropped above it.
	MaxInboxMessages = 500
	// DefaultRequestTimeout applies when createRequest gives no timeout.
	DefaultRequestTimeout = 30 * time.Second
)

// Bus operates on a bridge root directory.
type Bus struct {
	root   string
	logger *log.Logger

	// onDrop is invoked once per message file removed by inbox pruning and
	// once per truncated write, for metrics.
	onDrop func(counter string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropCounter installs a callback receiving a metrics counter name when
// messages are dropped or truncated.
func WithDropCounter(fn func(counter string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates the bus rooted at dir, creating messages/ and requests/ with
// 0700 permissions.
func New(dir string, logger *log.Logger, opts ...Option) (*Bus, error) {
	b := &Bus{root: dir, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	for _, sub := range []string{dir, b.messagesDir(), b.requestsDir()} {
		if err := os.MkdirAll(sub, 0o700); err != nil {
			return nil, fmt.Errorf("create bus dir %s: %w", sub, err)
		}
	}
	return b, nil
}

// Root returns the bridge root directory.
func (b *Bus) Root() string { return b.root }

func (b *Bus) messagesDir() string { return filepath.Join(b.root, "messages") }
func (b *Bus) requestsDir() string { return filepath.Join(b.root, "requests") }

func (b *Bus) inboxDir(agent string) string {
	return filepath.Join(b.messagesDir(), agent)
}

func (b *Bus) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

func (b *Bus) countDrop(counter string) {
	if b.onDrop != nil {
		b.onDrop(counter)
	}
}

// sortableName builds a filename whose lexicographic order follows creation
// time: a fixed-width timestamp with colons and dots replaced, then the id
// prefix. Fixed-width nanoseconds keep the sort stable across whole-second
// and fractional timestamps.
func sortableName(ts time.Time, id string) string {
	stamp := ts.UTC().Format("2006-01-02T15:04:05.000000000Z")
	stamp = strings.ReplaceAll(stamp, ":", "-")
	stamp = strings.ReplaceAll(stamp, ".", "-")
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return stamp + "-" + short + ".json"
}

// WriteOptions carries the optional fields of a bus message.
type WriteOptions struct {
	Type      domain.MessageType
	RequestID string
	ReplyTo   string
}

// WriteMessage delivers content from one agent to another, or to every inbox
// when to is the broadcast sentinel. Returns the written message (for
// broadcast, the template with To left as the sentinel).
func (b *Bus) WriteMessage(from, to, content string, opts WriteOptions) (*domain.Message, error) {
	if len(content) > MaxContentBytes {
		b.logf("bus: truncating message from %s to %s (%d bytes > %d)", from, to, len(content), MaxContentBytes)
		b.countDrop("messageDropped")
		content = content[:MaxContentBytes]
	}

	msgType := opts.Type
	if msgType == "" {
		msgType = domain.MsgMessage
	}
	msg := &domain.Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: time.Now(),
		RequestID: opts.RequestID,
		ReplyTo:   opts.ReplyTo,
	}

	if to == domain.BroadcastRecipient {
		if err := b.fanOut(msg); err != nil {
			return nil, err
		}
		return msg, nil
	}

	if err := b.deliver(to, msg); err != nil {
		b.countDrop("messageWriteFailures")
		return nil, err
	}
	return msg, nil
}

func (b *Bus) fanOut(template *domain.Message) error {
	entries, err := os.ReadDir(b.messagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list inboxes: %w", err)
	}

	var failures []error
	total := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == template.From {
			continue
		}
		total++
		copy := *template
		copy.To = entry.Name()
		if err := b.deliver(entry.Name(), &copy); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		b.countDrop("messageWriteFailures")
		return fmt.Errorf("broadcast: %d/%d deliveries failed: %w", len(failures), total, errors.Join(failures...))
	}
	return nil
}

func (b *Bus) deliver(agent string, msg *domain.Message) error {
	inbox := b.inboxDir(agent)
	if err := os.MkdirAll(inbox, 0o700); err != nil {
		return fmt.Errorf("create inbox %s: %w", agent, err)
	}
	if err := b.pruneInbox(inbox); err != nil {
		b.logf("bus: inbox prune for %s: %v", agent, err)
	}
	return writeJSON(filepath.Join(inbox, sortableName(msg.Timestamp, msg.ID)), msg)
}

// pruneInbox deletes the oldest files until at most MaxInboxMessages-1
// remain, so a following write lands the inbox exactly at the cap.
func (b *Bus) pruneInbox(inbox string) error {
	names, err := listJSON(inbox)
	if err != nil {
		return err
	}
	if len(names) < MaxInboxMessages {
		return nil
	}
	excess := len(names) - (MaxInboxMessages - 1)
	for _, name := range names[:excess] {
		if err := os.Remove(filepath.Join(inbox, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
		b.countDrop("messageDropped")
	}
	b.logf("bus: inbox %s over cap, dropped %d oldest", filepath.Base(inbox), excess)
	return nil
}

// ReadFilter narrows ReadInbox results.
type ReadFilter struct {
	FromAgent  string
	UnreadOnly bool
}

// ReadInbox returns the agent's messages in creation order. Files that fail
// to parse are skipped with a warning.
func (b *Bus) ReadInbox(agent string, filter ReadFilter) ([]*domain.Message, error) {
	inbox := b.inboxDir(agent)
	names, err := listJSON(inbox)
	if err != nil {
		return nil, err
	}

	var out []*domain.Message
	for _, name := range names {
		var msg domain.Message
		if err := readJSON(filepath.Join(inbox, name), &msg); err != nil {
			b.logf("bus: skipping unparseable message %s/%s: %v", agent, name, err)
			continue
		}
		if filter.FromAgent != "" && msg.From != filter.FromAgent {
			continue
		}
		if filter.UnreadOnly && msg.Read {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

// MarkRead flags the named messages read, returning how many changed.
func (b *Bus) MarkRead(agent string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	inbox := b.inboxDir(agent)
	names, err := listJSON(inbox)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, name := range names {
		path := filepath.Join(inbox, name)
		var msg domain.Message
		if err := readJSON(path, &msg); err != nil {
			continue
		}
		if !want[msg.ID] || msg.Read {
			continue
		}
		msg.Read = true
		if err := writeJSON(path, &msg); err != nil {
			return changed, fmt.Errorf("mark read %s: %w", msg.ID, err)
		}
		changed++
	}
	return changed, nil
}

// MarkAllRead flags every unread message read.
func (b *Bus) MarkAllRead(agent string) (int, error) {
	unread, err := b.ReadInbox(agent, ReadFilter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	ids := make([]string, len(unread))
	for i, msg := range unread {
		ids[i] = msg.ID
	}
	return b.MarkRead(agent, ids)
}

// UnreadCount returns the number of unread messages for the agent.
func (b *Bus) UnreadCount(agent string) (int, error) {
	unread, err := b.ReadInbox(agent, ReadFilter{UnreadOnly: true})
	if err != nil {
		return 0, err
	}
	return len(unread), nil
}

// UnreadMessages is ReadInbox restricted to unread entries.
func (b *Bus) UnreadMessages(agent string) ([]*domain.Message, error) {
	return b.ReadInbox(agent, ReadFilter{UnreadOnly: true})
}

// RequestOptions carries optional createRequest fields.
type RequestOptions struct {
	Context        string
	TimeoutSeconds int
}

// CreateRequest persists an open request and broadcasts a request-typed
// message carrying its id.
func (b *Bus) CreateRequest(from, description string, opts RequestOptions) (*domain.TaskRequest, error) {
	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = int(DefaultRequestTimeout.Seconds())
	}
	req := &domain.TaskRequest{
		ID:             uuid.NewString(),
		From:           from,
		Description:    description,
		Context:        opts.Context,
		Status:         domain.RequestOpen,
		CreatedAt:      time.Now(),
		TimeoutSeconds: timeout,
	}
	if err := b.saveRequest(req); err != nil {
		return nil, err
	}

	if _, err := b.WriteMessage(from, domain.BroadcastRecipient, description, WriteOptions{
		Type:      domain.MsgRequest,
		RequestID: req.ID,
	}); err != nil {
		b.logf("bus: request %s broadcast failed: %v", req.ID, err)
	}
	return req, nil
}

// ClaimResult is the outcome of a claim attempt.
type ClaimResult struct {
	Claimed bool                `json:"claimed"`
	Request *domain.TaskRequest `json:"request"`
}

// ClaimRequest attempts to claim the open request for claimedBy. A request
// past its deadline is rewritten to expired and reported not claimed.
func (b *Bus) ClaimRequest(id, claimedBy string) (ClaimResult, error) {
	path, req, err := b.findRequest(id)
	if err != nil {
		return ClaimResult{}, err
	}
	if req == nil {
		return ClaimResult{Claimed: false, Request: nil}, nil
	}
	if req.Status != domain.RequestOpen {
		return ClaimResult{Claimed: false, Request: req}, nil
	}
	if req.Expired(time.Now()) {
		req.Status = domain.RequestExpired
		if err := writeJSON(path, req); err != nil {
			b.logf("bus: expiring request %s: %v", id, err)
		}
		return ClaimResult{Claimed: false, Request: req}, nil
	}

	req.Status = domain.RequestClaimed
	req.ClaimedBy = claimedBy
	req.ClaimedAt = time.Now()
	if err := writeJSON(path, req); err != nil {
		return ClaimResult{}, fmt.Errorf("claim request %s: %w", id, err)
	}

	if _, err := b.WriteMessage(claimedBy, req.From,
		fmt.Sprintf("Claimed your request: %s", req.Description),
		WriteOptions{Type: domain.MsgResponse, RequestID: req.ID}); err != nil {
		b.logf("bus: claim notification for %s: %v", id, err)
	}
	return ClaimResult{Claimed: true, Request: req}, nil
}

// ListOpenRequests returns open, non-expired requests, lazily expiring any
// found past their deadline.
func (b *Bus) ListOpenRequests() ([]*domain.TaskRequest, error) {
	names, err := listJSON(b.requestsDir())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var open []*domain.TaskRequest
	for _, name := range names {
		path := filepath.Join(b.requestsDir(), name)
		var req domain.TaskRequest
		if err := readJSON(path, &req); err != nil {
			b.logf("bus: skipping unparseable request %s: %v", name, err)
			continue
		}
		if req.Status != domain.RequestOpen {
			continue
		}
		if req.Expired(now) {
			req.Status = domain.RequestExpired
			if err := writeJSON(path, &req); err != nil {
				b.logf("bus: expiring request %s: %v", req.ID, err)
			}
			continue
		}
		open = append(open, &req)
	}
	return open, nil
}

// GetRequest returns the request by id, or nil when absent.
func (b *Bus) GetRequest(id string) (*domain.TaskRequest, error) {
	_, req, err := b.findRequest(id)
	return req, err
}

// OpenRequestCountFor returns how many open requests an agent has issued.
func (b *Bus) OpenRequestCountFor(agent string) (int, error) {
	open, err := b.ListOpenRequests()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range open {
		if req.From == agent {
			n++
		}
	}
	return n, nil
}

// Cleanup deletes one agent's inbox.
func (b *Bus) Cleanup(agent string) error {
	if err := os.RemoveAll(b.inboxDir(agent)); err != nil {
		return fmt.Errorf("cleanup inbox %s: %w", agent, err)
	}
	return nil
}

// CleanupAll deletes every inbox and every request file.
func (b *Bus) CleanupAll() error {
	for _, dir := range []string{b.messagesDir(), b.requestsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("cleanup %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("recreate %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureInbox creates the agent's inbox directory so broadcasts reach it.
func (b *Bus) EnsureInbox(agent string) error {
	if err := os.MkdirAll(b.inboxDir(agent), 0o700); err != nil {
		return fmt.Errorf("create inbox %s: %w", agent, err)
	}
	return nil
}

func (b *Bus) saveRequest(req *domain.TaskRequest) error {
	path := filepath.Join(b.requestsDir(), sortableName(req.CreatedAt, req.ID))
	if err := writeJSON(path, req); err != nil {
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	return nil
}

func (b *Bus) findRequest(id string) (string, *domain.TaskRequest, error) {
	names, err := listJSON(b.requestsDir())
	if err != nil {
		return "", nil, err
	}
	for _, name := range names {
		path := filepath.Join(b.requestsDir(), name)
		var req domain.TaskRequest
		if err := readJSON(path, &req); err != nil {
			continue
		}
		if req.ID == id {
			return path, &req, nil
		}
	}
	return "", nil, nil
}

// listJSON returns the sorted *.json names in dir; a missing dir is empty.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSON writes atomically via a temp file and rename.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
