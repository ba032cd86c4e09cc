package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const (
	ownerID    int64 = 1
	ownerChat  int64 = 100
	strangerID int64 = 2
)

type sent struct {
	to   kit.ChatTarget
	text string
	opt  *kit.SendOptions
}

type edit struct {
	ref  kit.MessageRef
	text string
}

type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	sent    []sent
	edits   []edit
	answers []string
}

func (f *fakeMessenger) SendText(_ context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sent{to: to, text: text, opt: opt})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeMessenger) EditText(_ context.Context, ref kit.MessageRef, text string, _ *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edit{ref: ref, text: text})
	return nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeMessenger) lastSent(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeMessenger) lastEdit(t *testing.T) edit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatalf("nothing edited")
	}
	return f.edits[len(f.edits)-1]
}

func (f *fakeMessenger) lastAnswer(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.answers) == 0 {
		t.Fatalf("no callback answered")
	}
	return f.answers[len(f.answers)-1]
}

type fakeBroadcaster struct {
	reqs      []broadcast.Request
	submitErr error
	cancelErr error
	cancelled []string
	history   []broadcast.Job
}

func (f *fakeBroadcaster) Submit(_ context.Context, req broadcast.Request) (broadcast.Job, error) {
	f.reqs = append(f.reqs, req)
	if f.submitErr != nil {
		return broadcast.Job{}, f.submitErr
	}
	return broadcast.Job{ID: "job-1", Kind: req.Payload.Kind, Status: broadcast.StatusCreated}, nil
}

func (f *fakeBroadcaster) Lookup(_ context.Context, id string) (broadcast.Job, error) {
	for _, j := range f.history {
		if j.ID == id {
			return j, nil
		}
	}
	return broadcast.Job{}, broadcast.ErrNotFound
}

func (f *fakeBroadcaster) History(_ context.Context, limit int) ([]broadcast.Job, error) {
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func (f *fakeBroadcaster) Cancel(id string) error {
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	cmds  *Commands
	out   *fakeMessenger
	bc    *fakeBroadcaster
	store *storage.Memory
	clock *clock
}

func newHarness() *harness {
	h := &harness{
		out:   &fakeMessenger{},
		bc:    &fakeBroadcaster{},
		store: storage.NewMemory(),
		clock: &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.cmds = NewCommands(logx.Nop(), h.out, h.bc, h.store, []int64{ownerID})
	h.cmds.now = h.clock.now
	return h
}

func (h *harness) message(from int64, text string, p *kit.Payload) {
	h.cmds.Handle(context.Background(), kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID:        1,
		ChatID:    ownerChat,
		FromID:    from,
		Text:      text,
		IsPrivate: true,
		Payload:   p,
	}})
}

func (h *harness) callback(from int64, data string, messageID int) {
	h.cmds.Handle(context.Background(), kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{
		ID:        "cb",
		FromID:    from,
		ChatID:    ownerChat,
		MessageID: messageID,
		Data:      data,
	}})
}

// draft runs /broadcast plus a text message and returns the confirmation prompt id.
func (h *harness) draft(t *testing.T, body string) int {
	t.Helper()
	h.message(ownerID, "/broadcast", nil)
	h.message(ownerID, body, &kit.Payload{Kind: kit.KindText, Body: body})
	prompt := h.out.lastSent(t)
	if prompt.opt == nil || len(prompt.opt.InlineKeyboard) != 1 {
		t.Fatalf("confirmation prompt has no keyboard: %+v", prompt)
	}
	return h.out.nextID
}

func TestDraftCapturesSlashText(t *testing.T) {
	h := newHarness()
	body := "/start to subscribe, <b>today</b>"
	payload := &kit.Payload{Kind: kit.KindText, Body: body, ParseMode: "HTML"}
	h.message(ownerID, "/broadcast", nil)
	h.message(ownerID, "/start to subscribe, today", payload)

	if n, _ := h.store.CountRecipients(context.Background()); n != 0 {
		t.Fatalf("recipients: got %d, want 0 (text routed as a command)", n)
	}
	prompt := h.out.nextID
	if got := h.out.lastSent(t).text; !strings.Contains(got, "Confirm Broadcast") {
		t.Fatalf("prompt: got %q, want confirmation", got)
	}
	h.callback(ownerID, "bc:confirm", prompt)
	if len(h.bc.reqs) != 1 {
		t.Fatalf("submits: got %d, want 1", len(h.bc.reqs))
	}
	if got := h.bc.reqs[0].Payload; got != *payload {
		t.Fatalf("payload: got %+v, want %+v", got, *payload)
	}

	// once the draft is captured, slash text is a command again
	h.message(ownerID, "/start", nil)
	if n, _ := h.store.CountRecipients(context.Background()); n != 1 {
		t.Fatalf("recipients: got %d, want 1", n)
	}
}

func TestStartRegistersRecipient(t *testing.T) {
	h := newHarness()
	h.message(42, "/start", nil)
	h.message(42, "/start", nil)

	n, _ := h.store.CountRecipients(context.Background())
	if n != 1 {
		t.Fatalf("recipients: got %d, want 1", n)
	}
	if got := h.out.lastSent(t).text; !strings.Contains(got, "Welcome!") {
		t.Fatalf("reply: got %q, want welcome", got)
	}
	if len(h.store.Audit()) != 0 {
		t.Fatalf("public command must not be audited")
	}
}

func TestBroadcastFlowSubmits(t *testing.T) {
	h := newHarness()
	_, _ = h.store.AddRecipient(context.Background(), storage.Recipient{UserID: 7})

	prompt := h.draft(t, "hello all")
	if got := h.out.lastSent(t).text; !strings.Contains(got, "Total Users: 1") {
		t.Fatalf("prompt: got %q, want recipient count", got)
	}
	if got := h.out.lastSent(t).opt.InlineKeyboard[0][0].Data; got != "bc:confirm" {
		t.Fatalf("confirm data: got %q, want bc:confirm", got)
	}

	h.callback(ownerID, "bc:confirm", prompt)

	if len(h.bc.reqs) != 1 {
		t.Fatalf("submits: got %d, want 1", len(h.bc.reqs))
	}
	req := h.bc.reqs[0]
	if req.Payload.Body != "hello all" || req.Payload.Kind != kit.KindText {
		t.Fatalf("payload: got %+v", req.Payload)
	}
	want := kit.MessageRef{ChatID: ownerChat, MessageID: prompt}
	if req.StatusMessage != want {
		t.Fatalf("status message: got %+v, want %+v", req.StatusMessage, want)
	}
	if req.InitiatorID != ownerID {
		t.Fatalf("initiator: got %d, want %d", req.InitiatorID, ownerID)
	}
	if got := h.out.lastEdit(t).text; !strings.Contains(got, "Broadcast Started!") {
		t.Fatalf("edit: got %q", got)
	}
	if got := h.out.lastAnswer(t); got != "started" {
		t.Fatalf("answer: got %q, want started", got)
	}

	var actions []string
	for _, e := range h.store.Audit() {
		actions = append(actions, e.Action)
	}
	if strings.Join(actions, ",") != "command,broadcast.submit" {
		t.Fatalf("audit: got %v", actions)
	}

	// the draft is consumed
	h.callback(ownerID, "bc:confirm", prompt)
	if len(h.bc.reqs) != 1 {
		t.Fatalf("second confirm submitted again")
	}
}

func TestConfirmRejected(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness) int
	}{
		{"no draft", func(*testing.T, *harness) int { return 5 }},
		{"content missing", func(_ *testing.T, h *harness) int {
			h.message(ownerID, "/broadcast", nil)
			return h.out.nextID
		}},
		{"stale prompt", func(t *testing.T, h *harness) int {
			return h.draft(t, "x") + 1
		}},
		{"expired", func(t *testing.T, h *harness) int {
			id := h.draft(t, "x")
			h.clock.advance(pendingTTL + time.Second)
			return id
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			id := tc.setup(t, h)
			h.callback(ownerID, "bc:confirm", id)
			if len(h.bc.reqs) != 0 {
				t.Fatalf("submits: got %d, want 0", len(h.bc.reqs))
			}
			if got := h.out.lastAnswer(t); got != "No message to broadcast" {
				t.Fatalf("answer: got %q", got)
			}
		})
	}
}

func TestDraftExpiresBeforeContent(t *testing.T) {
	h := newHarness()
	h.message(ownerID, "/broadcast", nil)
	before := len(h.out.sent)
	h.clock.advance(pendingTTL + time.Minute)
	h.message(ownerID, "late", &kit.Payload{Kind: kit.KindText, Body: "late"})
	if len(h.out.sent) != before {
		t.Fatalf("expired draft still prompted: %+v", h.out.lastSent(t))
	}
}

func TestUnsupportedContent(t *testing.T) {
	h := newHarness()
	h.message(ownerID, "/broadcast", nil)
	h.message(ownerID, "", nil)
	if got := h.out.lastSent(t).text; !strings.Contains(got, "Unsupported message type") {
		t.Fatalf("reply: got %q", got)
	}
	// the draft stays open for a supported message
	h.message(ownerID, "ok", &kit.Payload{Kind: kit.KindText, Body: "ok"})
	if got := h.out.lastSent(t).text; !strings.Contains(got, "Confirm Broadcast") {
		t.Fatalf("prompt: got %q", got)
	}
}

func TestCancelCallbackDiscardsDraft(t *testing.T) {
	h := newHarness()
	prompt := h.draft(t, "bye")
	h.callback(ownerID, "bc:cancel", prompt)

	if got := h.out.lastEdit(t).text; !strings.Contains(got, "Broadcast cancelled.") {
		t.Fatalf("edit: got %q", got)
	}
	h.callback(ownerID, "bc:confirm", prompt)
	if len(h.bc.reqs) != 0 {
		t.Fatalf("discarded draft was submitted")
	}
	audit := h.store.Audit()
	if last := audit[len(audit)-1]; last.Action != "broadcast.discard" {
		t.Fatalf("audit: got %q, want broadcast.discard", last.Action)
	}
}

func TestSubmitErrorShown(t *testing.T) {
	h := newHarness()
	h.bc.submitErr = broadcast.ErrQueueFull
	prompt := h.draft(t, "x")
	h.callback(ownerID, "bc:confirm", prompt)

	if got := h.out.lastEdit(t).text; !strings.Contains(got, "too many broadcasts queued") {
		t.Fatalf("edit: got %q", got)
	}
	audit := h.store.Audit()
	if last := audit[len(audit)-1]; last.Error == "" {
		t.Fatalf("audit entry lacks error: %+v", last)
	}
}

func TestNonOwnerRejected(t *testing.T) {
	h := newHarness()
	h.message(strangerID, "/broadcast", nil)
	if got := h.out.lastSent(t).text; got != "unauthorized" {
		t.Fatalf("reply: got %q, want unauthorized", got)
	}
	h.callback(strangerID, "bc:confirm", 1)
	if got := h.out.lastAnswer(t); got != "unauthorized" {
		t.Fatalf("answer: got %q, want unauthorized", got)
	}
	// a stranger's plain message never opens a prompt
	before := len(h.out.sent)
	h.message(strangerID, "hi", &kit.Payload{Kind: kit.KindText, Body: "hi"})
	if len(h.out.sent) != before {
		t.Fatalf("stranger message produced a reply")
	}
}

func TestStatusAndCancelCommands(t *testing.T) {
	h := newHarness()

	h.message(ownerID, "/bstatus", nil)
	if got := h.out.lastSent(t).text; got != "No broadcasts yet." {
		t.Fatalf("empty status: got %q", got)
	}

	h.bc.history = []broadcast.Job{{ID: "abc", Kind: kit.KindText, Total: 3, Status: broadcast.StatusRunning}}
	h.message(ownerID, "/bstatus abc", nil)
	if got := h.out.lastSent(t).text; !strings.Contains(got, "⏳ 3 of 3") || !strings.Contains(got, "<code>abc</code>") {
		t.Fatalf("status: got %q", got)
	}
	h.message(ownerID, "/bstatus nope", nil)
	if got := h.out.lastSent(t).text; !strings.Contains(got, "broadcast nope not found") {
		t.Fatalf("missing status: got %q", got)
	}

	h.message(ownerID, "/bcancel", nil)
	if got := h.out.lastSent(t).text; !strings.Contains(got, "usage: /bcancel") {
		t.Fatalf("usage: got %q", got)
	}
	h.message(ownerID, "/bcancel abc", nil)
	if got := h.out.lastSent(t).text; !strings.Contains(got, "Cancel requested") {
		t.Fatalf("cancel: got %q", got)
	}
	h.bc.cancelErr = broadcast.ErrFinished
	h.message(ownerID, "/bcancel abc", nil)
	if got := h.out.lastSent(t).text; !strings.Contains(got, "already finished") {
		t.Fatalf("finished: got %q", got)
	}
	if got := strings.Join(h.bc.cancelled, ","); got != "abc,abc" {
		t.Fatalf("cancelled: got %q", got)
	}
}

func TestCommandMentionSuffix(t *testing.T) {
	h := newHarness()
	_, _ = h.store.AddRecipient(context.Background(), storage.Recipient{UserID: 9})
	h.message(ownerID, "/users@castbot", nil)
	if got := h.out.lastSent(t).text; got != "👥 Total Users: 1" {
		t.Fatalf("reply: got %q", got)
	}
}

func TestSetOwnersAppliesLive(t *testing.T) {
	h := newHarness()
	h.cmds.SetOwners([]int64{strangerID})
	h.message(ownerID, "/users", nil)
	if got := h.out.lastSent(t).text; got != "unauthorized" {
		t.Fatalf("old owner: got %q, want unauthorized", got)
	}
	h.message(strangerID, "/users", nil)
	if got := h.out.lastSent(t).text; got != "👥 Total Users: 0" {
		t.Fatalf("new owner: got %q", got)
	}
}

func TestDispatchLoopStopsOnClose(t *testing.T) {
	h := newHarness()
	updates := make(chan kit.Update, 1)
	updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 5, FromID: 5, Text: "/start"}}
	close(updates)
	if err := h.cmds.DispatchLoop(context.Background(), updates); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n, _ := h.store.CountRecipients(context.Background()); n != 1 {
		t.Fatalf("recipients: got %d, want 1", n)
	}
}

func TestSubmitErrorText(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{broadcast.ErrQueueFull, "too many broadcasts queued, try again later"},
		{broadcast.ErrDisabled, "broadcasts are disabled"},
		{errors.New("boom"), "boom"},
	}
	for _, tc := range cases {
		if got := submitErrorText(tc.err); got != tc.want {
			t.Fatalf("%v: got %q, want %q", tc.err, got, tc.want)
		}
	}
}
