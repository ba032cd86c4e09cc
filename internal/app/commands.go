package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
	"castbot/pkg/tgui"
)

type access int

const (
	accessEveryone access = iota
	accessOwnerOnly
)

const (
	cbPrefix        = "bc"
	actConfirm      = "confirm"
	actCancel       = "cancel"
	pendingTTL      = 15 * time.Minute
	commandTimeout  = 15 * time.Second
	historyListSize = 5
)

// messenger is the part of the transport the command layer talks through.
type messenger interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

type broadcaster interface {
	Submit(ctx context.Context, req broadcast.Request) (broadcast.Job, error)
	Lookup(ctx context.Context, id string) (broadcast.Job, error)
	History(ctx context.Context, limit int) ([]broadcast.Job, error)
	Cancel(id string) error
}

type commandStore interface {
	storage.RecipientStore
	storage.AuditStore
}

type command struct {
	name   string
	desc   string
	access access
	handle func(ctx context.Context, msg *kit.Message, args []string) error
}

type pendingState int

const (
	awaitingContent pendingState = iota + 1
	awaitingConfirm
)

// pending is one owner's broadcast draft.
type pending struct {
	state   pendingState
	payload kit.Payload
	prompt  kit.MessageRef // the confirmation message, once sent
	at      time.Time
}

// Commands routes operator updates: recipient registration, the
// compose/confirm broadcast flow and job status commands.
type Commands struct {
	log   logx.Logger
	out   messenger
	bc    broadcaster
	store commandStore
	now   func() time.Time

	mu      sync.Mutex
	owners  map[int64]bool
	drafts  map[int64]*pending
	byName  map[string]command
	ordered []command
}

func NewCommands(log logx.Logger, out messenger, bc broadcaster, store commandStore, owners []int64) *Commands {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Commands{
		log:    log,
		out:    out,
		bc:     bc,
		store:  store,
		now:    time.Now,
		drafts: map[int64]*pending{},
	}
	c.SetOwners(owners)
	c.ordered = []command{
		{name: "start", desc: "subscribe to broadcasts", access: accessEveryone, handle: c.cmdStart},
		{name: "broadcast", desc: "compose a broadcast", access: accessOwnerOnly, handle: c.cmdBroadcast},
		{name: "bstatus", desc: "broadcast status [id]", access: accessOwnerOnly, handle: c.cmdStatus},
		{name: "bcancel", desc: "cancel a broadcast <id>", access: accessOwnerOnly, handle: c.cmdCancel},
		{name: "users", desc: "recipient count", access: accessOwnerOnly, handle: c.cmdUsers},
	}
	c.byName = make(map[string]command, len(c.ordered))
	for _, cmd := range c.ordered {
		c.byName[cmd.name] = cmd
	}
	return c
}

// SetOwners updates the owner list. Safe to call during hot reload.
func (c *Commands) SetOwners(owners []int64) {
	set := make(map[int64]bool, len(owners))
	for _, id := range owners {
		set[id] = true
	}
	c.mu.Lock()
	c.owners = set
	c.mu.Unlock()
}

func (c *Commands) isOwner(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[id]
}

// MenuCommands lists commands for the platform menu.
func (c *Commands) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(c.ordered))
	for _, cmd := range c.ordered {
		out = append(out, kit.BotCommand{Command: cmd.name, Description: cmd.desc})
	}
	return out
}

// DispatchLoop handles updates one at a time so a draft's content message
// is always seen after the /broadcast that opened it.
func (c *Commands) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	c.log.Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("command dispatcher stopped", logx.Err(ctx.Err()))
			return nil
		case up, ok := <-updates:
			if !ok {
				c.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			c.safeHandle(ctx, up)
		}
	}
}

func (c *Commands) safeHandle(root context.Context, up kit.Update) {
	ctx, cancel := context.WithTimeout(root, commandTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in command handler", logx.Any("panic", r))
		}
	}()
	c.Handle(ctx, up)
}

func (c *Commands) Handle(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			c.routeMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			c.routeCallback(ctx, up.Callback)
		}
	}
}

func (c *Commands) routeMessage(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	// an open draft takes the next message verbatim, slash or not
	if !strings.HasPrefix(text, "/") || c.draftOpen(msg.FromID) {
		c.captureDraft(ctx, msg)
		return
	}
	parts := strings.Fields(text)
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	cmd, ok := c.byName[word]
	if !ok {
		return
	}
	if cmd.access == accessOwnerOnly && !c.isOwner(msg.FromID) {
		c.reply(ctx, msg, tgui.Esc("unauthorized"))
		return
	}
	log := c.log.With(logx.String("cmd", cmd.name), logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))
	start := c.now()
	err := cmd.handle(ctx, msg, parts[1:])
	if cmd.access == accessOwnerOnly {
		c.audit(ctx, msg.FromID, msg.FromUsername, msg.ChatID, "command", "/"+cmd.name+" "+strings.Join(parts[1:], " "), err)
	}
	if err != nil {
		log.Warn("command failed", logx.Err(err))
		c.reply(ctx, msg, tgui.Esc("❌ "+err.Error()))
		return
	}
	log.Debug("command handled", logx.Duration("took", c.now().Sub(start)))
}

func (c *Commands) cmdStart(ctx context.Context, msg *kit.Message, _ []string) error {
	created, err := c.store.AddRecipient(ctx, storage.Recipient{
		UserID:   msg.FromID,
		Username: msg.FromUsername,
		Lang:     msg.FromLang,
		JoinedAt: c.now(),
	})
	if err != nil {
		c.log.Warn("register recipient failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
		return errors.New("could not register you, try again later")
	}
	if created {
		c.log.Info("recipient registered", logx.Int64("user_id", msg.FromID))
	}
	c.reply(ctx, msg, tgui.Lines(
		tgui.H("👋 ")+tgui.B("Welcome!"),
		"",
		tgui.Esc("You will receive announcements from this bot."),
	))
	return nil
}

func (c *Commands) cmdBroadcast(ctx context.Context, msg *kit.Message, _ []string) error {
	c.mu.Lock()
	c.drafts[msg.FromID] = &pending{state: awaitingContent, at: c.now()}
	c.mu.Unlock()
	c.reply(ctx, msg, tgui.Esc("📢 Send the message you want to broadcast to all users.\n\nSupported: Text, Photo, Video, Document, Animation"))
	return nil
}

// captureDraft takes the next message of an owner with an open draft as the
// broadcast payload and asks for confirmation.
func (c *Commands) captureDraft(ctx context.Context, msg *kit.Message) {
	if !c.isOwner(msg.FromID) {
		return
	}
	c.mu.Lock()
	d := c.drafts[msg.FromID]
	if d == nil || d.state != awaitingContent || c.expired(d) {
		c.mu.Unlock()
		return
	}
	if msg.Payload == nil {
		c.mu.Unlock()
		c.reply(ctx, msg, tgui.Esc("Unsupported message type. Send text, photo, video, document or animation."))
		return
	}
	d.state, d.payload, d.at = awaitingConfirm, *msg.Payload, c.now()
	c.mu.Unlock()

	total, err := c.store.CountRecipients(ctx)
	if err != nil {
		c.log.Warn("count recipients failed", logx.Err(err))
	}
	text := tgui.Lines(
		tgui.H("📢 ")+tgui.B("Confirm Broadcast"),
		"",
		tgui.Esc(fmt.Sprintf("👥 Total Users: %d", total)),
		"",
		tgui.Esc("Are you sure you want to send this message to all users?"),
	)
	ref, err := c.out.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text.String(), &kit.SendOptions{
		ParseMode: tgui.ParseModeHTML,
		InlineKeyboard: [][]kit.InlineButton{{
			{Text: "✅ Confirm", Data: tgui.Data(cbPrefix, actConfirm, "")},
			{Text: "❌ Cancel", Data: tgui.Data(cbPrefix, actCancel, "")},
		}},
	})
	if err != nil {
		c.log.Warn("send confirmation failed", logx.Err(err))
		return
	}
	c.mu.Lock()
	if cur := c.drafts[msg.FromID]; cur == d {
		d.prompt = ref
	}
	c.mu.Unlock()
}

func (c *Commands) expired(d *pending) bool { return c.now().Sub(d.at) > pendingTTL }

// draftOpen reports whether an owner's next message is broadcast content.
func (c *Commands) draftOpen(from int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.drafts[from]
	return c.owners[from] && d != nil && d.state == awaitingContent && !c.expired(d)
}

func (c *Commands) routeCallback(ctx context.Context, cb *kit.Callback) {
	action, _, ok := tgui.ParseData(cb.Data, cbPrefix)
	if !ok {
		return
	}
	if !c.isOwner(cb.FromID) {
		_ = c.out.AnswerCallback(ctx, cb.ID, "unauthorized")
		return
	}

	c.mu.Lock()
	d := c.drafts[cb.FromID]
	delete(c.drafts, cb.FromID)
	c.mu.Unlock()

	ref := kit.MessageRef{ChatID: cb.ChatID, ThreadID: cb.ThreadID, MessageID: cb.MessageID}
	html := &kit.SendOptions{ParseMode: tgui.ParseModeHTML}

	switch action {
	case actCancel:
		_ = c.out.EditText(ctx, ref, tgui.Esc("❌ Broadcast cancelled.").String(), html)
		_ = c.out.AnswerCallback(ctx, cb.ID, "")
		c.audit(ctx, cb.FromID, "", cb.ChatID, "broadcast.discard", "", nil)
	case actConfirm:
		if d == nil || d.state != awaitingConfirm || c.expired(d) || (!d.prompt.IsZero() && d.prompt.MessageID != cb.MessageID) {
			_ = c.out.AnswerCallback(ctx, cb.ID, "No message to broadcast")
			return
		}
		_ = c.out.EditText(ctx, ref, tgui.Lines(
			tgui.H("📢 ")+tgui.B("Broadcast Started!"),
			"",
			tgui.Esc("This may take a while..."),
		).String(), html)
		job, err := c.bc.Submit(ctx, broadcast.Request{
			Name:          "manual",
			InitiatorID:   cb.FromID,
			Payload:       d.payload,
			StatusMessage: ref,
		})
		c.audit(ctx, cb.FromID, "", cb.ChatID, "broadcast.submit", job.ID, err)
		if err != nil {
			c.log.Warn("broadcast submit failed", logx.Int64("from_id", cb.FromID), logx.Err(err))
			_ = c.out.EditText(ctx, ref, tgui.Esc("❌ Broadcast not started: "+submitErrorText(err)).String(), html)
			_ = c.out.AnswerCallback(ctx, cb.ID, "failed")
			return
		}
		_ = c.out.AnswerCallback(ctx, cb.ID, "started")
	default:
		_ = c.out.AnswerCallback(ctx, cb.ID, "")
	}
}

func submitErrorText(err error) string {
	switch {
	case errors.Is(err, broadcast.ErrQueueFull):
		return "too many broadcasts queued, try again later"
	case errors.Is(err, broadcast.ErrDisabled):
		return "broadcasts are disabled"
	}
	return err.Error()
}

func (c *Commands) cmdStatus(ctx context.Context, msg *kit.Message, args []string) error {
	now := c.now()
	if len(args) > 0 {
		job, err := c.bc.Lookup(ctx, args[0])
		if err != nil {
			if errors.Is(err, broadcast.ErrNotFound) {
				return fmt.Errorf("broadcast %s not found", args[0])
			}
			return err
		}
		c.reply(ctx, msg, broadcast.JobText(job, tgui.FormatDuration(job.Elapsed(now))))
		return nil
	}
	jobs, err := c.bc.History(ctx, historyListSize)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		c.reply(ctx, msg, tgui.Esc("No broadcasts yet."))
		return nil
	}
	parts := make([]tgui.H, 0, 2*len(jobs))
	for i, j := range jobs {
		if i > 0 {
			parts = append(parts, "")
		}
		parts = append(parts, broadcast.JobText(j, tgui.FormatDuration(j.Elapsed(now))))
	}
	c.reply(ctx, msg, tgui.Lines(parts...))
	return nil
}

func (c *Commands) cmdCancel(ctx context.Context, msg *kit.Message, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /bcancel <id>")
	}
	switch err := c.bc.Cancel(args[0]); {
	case errors.Is(err, broadcast.ErrNotFound):
		return fmt.Errorf("broadcast %s not found", args[0])
	case errors.Is(err, broadcast.ErrFinished):
		return fmt.Errorf("broadcast %s already finished", args[0])
	case err != nil:
		return err
	}
	c.reply(ctx, msg, tgui.Esc("⛔ Cancel requested. The broadcast stops after the current batch."))
	return nil
}

func (c *Commands) cmdUsers(ctx context.Context, msg *kit.Message, _ []string) error {
	n, err := c.store.CountRecipients(ctx)
	if err != nil {
		return err
	}
	c.reply(ctx, msg, tgui.Esc(fmt.Sprintf("👥 Total Users: %d", n)))
	return nil
}

func (c *Commands) reply(ctx context.Context, msg *kit.Message, text tgui.H) {
	_, err := c.out.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text.String(), &kit.SendOptions{
		ParseMode:      tgui.ParseModeHTML,
		DisablePreview: true,
	})
	if err != nil {
		c.log.Warn("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (c *Commands) audit(ctx context.Context, actor int64, username string, chatID int64, action, target string, err error) {
	if c.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            c.now(),
		ActorID:       actor,
		ActorUsername: username,
		ChatID:        chatID,
		Action:        action,
		Target:        strings.TrimSpace(target),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := c.store.AppendAudit(context.WithoutCancel(ctx), e); aerr != nil {
		c.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
