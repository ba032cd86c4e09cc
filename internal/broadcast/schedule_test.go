package broadcast

import (
	"context"
	"sync"
	"testing"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, req Request) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return Job{}, r.err
	}
	return Job{ID: "j1", Total: 3}, nil
}

func TestValidateSchedules(t *testing.T) {
	cases := []struct {
		name string
		defs []Schedule
		ok   bool
	}{
		{"empty", nil, true},
		{"five fields", []Schedule{{Name: "daily", Spec: "0 9 * * *", Text: "morning"}}, true},
		{"descriptor", []Schedule{{Name: "weekly", Spec: "@weekly", Text: "digest"}}, true},
		{"seconds field", []Schedule{{Name: "x", Spec: "0 0 9 * * *", Text: "t"}}, false},
		{"garbage", []Schedule{{Name: "x", Spec: "every day", Text: "t"}}, false},
		{"empty text", []Schedule{{Name: "x", Spec: "@daily"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSchedules(tc.defs)
			if (err == nil) != tc.ok {
				t.Fatalf("got %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestSchedulerFireSubmitsText(t *testing.T) {
	sub := &recordingSubmitter{}
	s := NewScheduler(sub, logx.Nop())
	d := Schedule{Name: "daily", Spec: "@daily", Text: "<b>hi</b>", ParseMode: "HTML"}

	s.fire(context.Background(), d)

	if len(sub.reqs) != 1 {
		t.Fatalf("submits: got %d, want 1", len(sub.reqs))
	}
	want := kit.Payload{Kind: kit.KindText, Body: "<b>hi</b>", ParseMode: "HTML"}
	if got := sub.reqs[0]; got.Name != "daily" || got.Payload != want {
		t.Fatalf("request: got %+v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.fire(ctx, d)
	if len(sub.reqs) != 1 {
		t.Fatalf("fired after shutdown")
	}
}

func TestSchedulerApplyAndEntries(t *testing.T) {
	s := NewScheduler(&recordingSubmitter{}, logx.Nop())
	if err := s.Apply([]Schedule{{Name: "bad", Spec: "nope", Text: "x"}}); err == nil {
		t.Fatalf("invalid schedule accepted")
	}
	if err := s.Apply([]Schedule{{Name: "daily", Spec: "@daily", Text: "x"}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Name != "daily" || entries[0].Next.IsZero() {
		t.Fatalf("entries: %+v", entries)
	}
	if err := s.Apply([]Schedule{{Name: "a", Spec: "@hourly", Text: "x"}, {Name: "b", Spec: "30 8 * * 1", Text: "y"}}); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if got := len(s.Entries()); got != 2 {
		t.Fatalf("entries after reapply: got %d, want 2", got)
	}
}
