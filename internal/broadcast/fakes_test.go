package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	kit "castbot/internal/transport"
)

// trace is a shared, ordered log of sends and sleeps.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(format string, args ...any) {
	t.mu.Lock()
	t.events = append(t.events, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func (t *trace) count(ev string) int {
	n := 0
	for _, e := range t.list() {
		if e == ev {
			n++
		}
	}
	return n
}

// sleep records the pause and returns immediately unless ctx is done.
func (t *trace) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t.add("sleep:%s", d)
	return ctx.Err()
}

// scriptedSender answers each call for a chat with the next scripted error;
// an exhausted script means success.
type scriptedSender struct {
	tr     *trace
	mu     sync.Mutex
	script map[int64][]error
	onSend func(chatID int64)
}

func newScriptedSender(tr *trace) *scriptedSender {
	return &scriptedSender{tr: tr, script: map[int64][]error{}}
}

func (s *scriptedSender) on(chatID int64, errs ...error) *scriptedSender {
	s.script[chatID] = errs
	return s
}

func (s *scriptedSender) Send(_ context.Context, to kit.ChatTarget, p kit.Payload) (kit.MessageRef, error) {
	s.tr.add("send:%d:%s", to.ChatID, p.Kind)
	if s.onSend != nil {
		s.onSend(to.ChatID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.script[to.ChatID]
	if len(q) == 0 {
		return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
	}
	err := q[0]
	s.script[to.ChatID] = q[1:]
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

type recordingEditor struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (e *recordingEditor) EditText(_ context.Context, _ kit.MessageRef, text string, _ *kit.SendOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	return e.err
}

func (e *recordingEditor) edits() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func rateLimited(d time.Duration) error {
	return &kit.RateLimitError{RetryAfter: d, Err: errors.New("Too Many Requests")}
}

func blocked() error { return fmt.Errorf("%w: bot was blocked by the user", kit.ErrBlocked) }

func seq(from, n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(from + i)
	}
	return ids
}

var textPayload = kit.Payload{Kind: kit.KindText, Body: "hello"}
