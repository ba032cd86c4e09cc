package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromLang     string
	Text         string
	IsPrivate    bool

	// Payload is the replayable content of the message. It is nil for
	// message kinds the bot cannot re-send (stickers, polls, ...).
	Payload *Payload
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 || r.MessageID == 0 }

// PayloadKind is the kind of content replicated by a broadcast.
type PayloadKind string

const (
	KindText      PayloadKind = "text"
	KindPhoto     PayloadKind = "photo"
	KindVideo     PayloadKind = "video"
	KindDocument  PayloadKind = "document"
	KindAnimation PayloadKind = "animation"
)

func (k PayloadKind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindDocument, KindAnimation:
		return true
	}
	return false
}

// Payload describes content to replicate. For KindText, Body is the message
// text; for media kinds, Body is the platform file id and Caption is optional.
//
// A Payload is captured once and never mutated afterwards.
type Payload struct {
	Kind      PayloadKind `json:"kind"`
	Body      string      `json:"body"`
	Caption   string      `json:"caption,omitempty"`
	ParseMode string      `json:"parse_mode,omitempty"`
}

func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("payload: unknown kind %q", p.Kind)
	}
	if p.Body == "" {
		return fmt.Errorf("payload: empty %s body", p.Kind)
	}
	return nil
}

type InlineButton struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	InlineKeyboard [][]InlineButton
}

// ErrBlocked reports that the recipient permanently revoked reachability
// (blocked the bot, deactivated the account). Never retry it.
var ErrBlocked = errors.New("transport: recipient unreachable")

// RateLimitError is a transport instruction to stop all sends for RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: rate limited for %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transport: rate limited for %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AsRateLimit extracts a RateLimitError from err.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl != nil {
		return rl, true
	}
	return nil, false
}

// Sender delivers a payload to one recipient. Implementations classify
// failures as ErrBlocked, *RateLimitError, or any other error.
type Sender interface {
	Send(ctx context.Context, to ChatTarget, p Payload) (MessageRef, error)
}

// Editor edits an existing text message in place.
type Editor interface {
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

type Adapter interface {
	Sender
	Editor

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
