package broadcast

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"castbot/internal/storage"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestRun(ids []int64, sender kit.Sender, tr *trace, st Settings, ed kit.Editor, store storage.BroadcastStore) *run {
	st = st.withDefaults()
	now := func() time.Time { return epoch }
	return &run{
		jobID:    "job-1",
		ids:      ids,
		payload:  textPayload,
		settings: st,
		deliver: &deliverer{
			sender: sender,
			gov:    NewGovernor(st.RatePerSec, st.MaxFloodWait, tr.sleep),
			log:    logx.Nop(),
		},
		agg:      newAggregator("job-1", len(ids), store, epoch, now),
		reporter: newReporter(ed, kit.MessageRef{ChatID: 1, MessageID: 7}, st.ReportEvery),
		sleep:    tr.sleep,
		log:      logx.Nop(),
	}
}

func TestNextStep(t *testing.T) {
	cases := []struct {
		name string
		cur  attemptState
		err  error
		want transition
	}{
		{"ok", firstAttempt, nil, transition{next: terminal, outcome: OutcomeSuccess}},
		{"blocked", firstAttempt, blocked(), transition{next: terminal, outcome: OutcomeBlocked}},
		{"rate limited", firstAttempt, rateLimited(30 * time.Second), transition{next: pausedRetry, pause: 30 * time.Second}},
		{"other", firstAttempt, errors.New("bad request"), transition{next: terminal, outcome: OutcomeFailed}},
		{"retry ok", pausedRetry, nil, transition{next: terminal, outcome: OutcomeSuccess}},
		{"retry rate limited", pausedRetry, rateLimited(time.Second), transition{next: terminal, outcome: OutcomeFailed, pause: time.Second}},
		{"retry blocked", pausedRetry, blocked(), transition{next: terminal, outcome: OutcomeFailed}},
		{"retry other", pausedRetry, errors.New("x"), transition{next: terminal, outcome: OutcomeFailed}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextStep(tc.cur, tc.err); got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestPartition(t *testing.T) {
	cases := []struct {
		n, size int
		want    []int
	}{
		{105, 50, []int{50, 50, 5}},
		{100, 50, []int{50, 50}},
		{3, 50, []int{3}},
		{0, 50, []int{}},
		{4, 0, []int{4}},
	}
	for _, tc := range cases {
		got := partition(seq(1, tc.n), tc.size)
		sizes := make([]int, 0, len(got))
		for _, b := range got {
			sizes = append(sizes, len(b))
		}
		if !reflect.DeepEqual(sizes, tc.want) {
			t.Fatalf("partition(%d, %d): got %v, want %v", tc.n, tc.size, sizes, tc.want)
		}
	}
	ids := seq(1, 7)
	b := partition(ids, 3)
	if b[2][0] != 7 || b[1][2] != 6 {
		t.Fatalf("order not preserved: %v", b)
	}
}

func TestRunMixedOutcomes(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(2, blocked()).on(3, rateLimited(30*time.Second))
	r := newTestRun([]int64{1, 2, 3}, sender, tr, Settings{}, nil, nil)

	if got := r.execute(context.Background()); got != StatusCompleted {
		t.Fatalf("status: got %s, want %s", got, StatusCompleted)
	}
	want := []string{"send:1:text", "send:2:text", "send:3:text", "sleep:30s", "send:3:text"}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	if got, want := r.agg.Counts(), (Counts{Success: 2, Blocked: 1}); got != want {
		t.Fatalf("counts: got %+v, want %+v", got, want)
	}
}

func TestRunPauseAppliesToNextRecipients(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(1, rateLimited(5*time.Second))
	r := newTestRun([]int64{1, 2}, sender, tr, Settings{}, nil, nil)
	r.execute(context.Background())

	want := []string{"send:1:text", "sleep:5s", "send:1:text", "send:2:text"}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
}

func TestRunRetryFailures(t *testing.T) {
	cases := []struct {
		name  string
		retry error
		want  []string
	}{
		{"rate limited again", rateLimited(7 * time.Second),
			[]string{"send:1:text", "sleep:1s", "send:1:text", "sleep:7s", "send:2:text"}},
		{"other error", errors.New("boom"),
			[]string{"send:1:text", "sleep:1s", "send:1:text", "send:2:text"}},
		{"blocked on retry", blocked(),
			[]string{"send:1:text", "sleep:1s", "send:1:text", "send:2:text"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := &trace{}
			sender := newScriptedSender(tr).on(1, rateLimited(time.Second), tc.retry)
			r := newTestRun([]int64{1, 2}, sender, tr, Settings{}, nil, nil)
			r.execute(context.Background())

			if got := tr.list(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("events: got %v, want %v", got, tc.want)
			}
			if got, want := r.agg.Counts(), (Counts{Success: 1, Failed: 1}); got != want {
				t.Fatalf("counts: got %+v, want %+v", got, want)
			}
		})
	}
}

func TestRunBlockedIsNotRetried(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(1, blocked())
	r := newTestRun([]int64{1}, sender, tr, Settings{}, nil, nil)
	r.execute(context.Background())
	if got := tr.count("send:1:text"); got != 1 {
		t.Fatalf("sends: got %d, want 1", got)
	}
}

func TestRunRetryKeepsPayloadKind(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(1, rateLimited(time.Second))
	r := newTestRun([]int64{1}, sender, tr, Settings{}, nil, nil)
	r.payload = kit.Payload{Kind: kit.KindPhoto, Body: "file-id", Caption: "hi"}
	r.execute(context.Background())
	if got := tr.count("send:1:photo"); got != 2 {
		t.Fatalf("photo sends: got %d, want 2 (%v)", got, tr.list())
	}
}

func TestRunPauseClampedToMax(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(1, rateLimited(time.Hour))
	r := newTestRun([]int64{1}, sender, tr, Settings{MaxFloodWait: 2 * time.Minute}, nil, nil)
	r.execute(context.Background())
	if got := tr.count("sleep:2m0s"); got != 1 {
		t.Fatalf("clamped pause: got %v", tr.list())
	}
}

func TestRunDefaultPauseIsUncapped(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(1, rateLimited(10*time.Minute))
	r := newTestRun([]int64{1, 2}, sender, tr, Settings{}, nil, nil)
	r.execute(context.Background())

	want := []string{"send:1:text", "sleep:10m0s", "send:1:text", "send:2:text"}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
}

func TestRunBatchDelays(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr)
	r := newTestRun(seq(1, 105), sender, tr, Settings{BatchSize: 50, BatchDelay: time.Second}, nil, nil)

	var batches []int
	r.onBatch = func(n int, _ Snapshot) { batches = append(batches, n) }
	if got := r.execute(context.Background()); got != StatusCompleted {
		t.Fatalf("status: got %s", got)
	}
	if got := tr.count("sleep:1s"); got != 2 {
		t.Fatalf("batch delays: got %d, want 2", got)
	}
	if !reflect.DeepEqual(batches, []int{1, 2, 3}) {
		t.Fatalf("batches: got %v", batches)
	}
	events := tr.list()
	if last := events[len(events)-1]; last != "send:105:text" {
		t.Fatalf("last event: got %q, want final send", last)
	}
	if got := r.agg.Counts().Success; got != 105 {
		t.Fatalf("success: got %d, want 105", got)
	}
}

func TestRunReportCadence(t *testing.T) {
	tr := &trace{}
	ed := &recordingEditor{}
	r := newTestRun(seq(1, 12), newScriptedSender(tr), tr, Settings{BatchSize: 1, ReportEvery: 5}, ed, nil)

	status := r.execute(context.Background())
	if got := len(ed.edits()); got != 2 {
		t.Fatalf("progress edits: got %d, want 2", got)
	}
	if !strings.Contains(ed.edits()[0], "Remaining: 7") {
		t.Fatalf("first edit: %q", ed.edits()[0])
	}
	snap, _ := r.agg.Complete(context.Background(), status)
	if err := r.reporter.Final(context.Background(), snap, status); err != nil {
		t.Fatalf("final: %v", err)
	}
	edits := ed.edits()
	if len(edits) != 3 || !strings.Contains(edits[2], "Broadcast Complete!") || !strings.Contains(edits[2], "Total Users: 12") {
		t.Fatalf("summary: got %v", edits)
	}
}

func TestRunEditFailureIsIgnored(t *testing.T) {
	tr := &trace{}
	ed := &recordingEditor{err: errors.New("message to edit not found")}
	r := newTestRun(seq(1, 6), newScriptedSender(tr), tr, Settings{BatchSize: 1, ReportEvery: 1}, ed, nil)
	if got := r.execute(context.Background()); got != StatusCompleted {
		t.Fatalf("status: got %s", got)
	}
	if got := r.agg.Counts().Success; got != 6 {
		t.Fatalf("success: got %d", got)
	}
}

type countingStore struct {
	storage.BroadcastStore
	updates []Counts
	err     error
}

func (s *countingStore) UpdateBroadcastCounts(_ context.Context, _ string, c Counts) error {
	s.updates = append(s.updates, c)
	return s.err
}

func TestRunPersistCadence(t *testing.T) {
	tr := &trace{}
	st := &countingStore{err: errors.New("disk full")}
	r := newTestRun(seq(1, 5), newScriptedSender(tr), tr, Settings{BatchSize: 1, PersistEvery: 2}, nil, st)
	if got := r.execute(context.Background()); got != StatusCompleted {
		t.Fatalf("status: got %s", got)
	}
	want := []Counts{{Success: 2}, {Success: 4}}
	if !reflect.DeepEqual(st.updates, want) {
		t.Fatalf("persisted: got %v, want %v", st.updates, want)
	}
}

func TestRunCountsAreMonotonic(t *testing.T) {
	tr := &trace{}
	sender := newScriptedSender(tr).on(2, blocked()).on(4, errors.New("x")).on(5, rateLimited(time.Second))
	r := newTestRun(seq(1, 8), sender, tr, Settings{BatchSize: 3}, nil, nil)

	prev := 0
	r.onOutcome = func(c Counts) {
		if c.Done() != prev+1 {
			t.Fatalf("done jumped from %d to %d", prev, c.Done())
		}
		prev = c.Done()
	}
	r.execute(context.Background())
	c := r.agg.Counts()
	if c.Done() != 8 || c.Blocked != 1 || c.Failed != 1 || c.Success != 6 {
		t.Fatalf("counts: got %+v", c)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newTestRun(seq(1, 3), newScriptedSender(tr), tr, Settings{}, nil, nil)
	if got := r.execute(ctx); got != StatusCancelled {
		t.Fatalf("status: got %s", got)
	}
	if n := len(tr.list()); n != 0 {
		t.Fatalf("events: got %v", tr.list())
	}
}

func TestRunCancelBetweenBatches(t *testing.T) {
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := newScriptedSender(tr)
	sender.onSend = func(id int64) {
		if id == 1 {
			cancel()
		}
	}
	r := newTestRun(seq(1, 6), sender, tr, Settings{BatchSize: 2, BatchDelay: time.Second}, nil, nil)

	if got := r.execute(ctx); got != StatusCancelled {
		t.Fatalf("status: got %s", got)
	}
	snap := r.agg.Snapshot()
	if snap.Success != 2 || snap.Remaining != 4 {
		t.Fatalf("snapshot: got %+v", snap)
	}
	if got := tr.count("sleep:1s"); got != 0 {
		t.Fatalf("slept after cancel: %v", tr.list())
	}
}

func TestRunCancelDuringRetryPause(t *testing.T) {
	tr := &trace{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := newScriptedSender(tr).on(1, rateLimited(time.Minute))
	sender.onSend = func(id int64) {
		if id == 1 {
			cancel()
		}
	}
	r := newTestRun(seq(1, 4), sender, tr, Settings{BatchSize: 2}, nil, nil)

	if got := r.execute(ctx); got != StatusCancelled {
		t.Fatalf("status: got %s", got)
	}
	if got := tr.count("send:1:text"); got != 1 {
		t.Fatalf("recipient 1 sends: got %d, want 1", got)
	}
	snap := r.agg.Snapshot()
	if snap.Failed != 1 || snap.Success != 1 || snap.Remaining != 2 {
		t.Fatalf("snapshot: got %+v", snap)
	}
}

func TestGovernorSuspend(t *testing.T) {
	tr := &trace{}
	g := NewGovernor(0, time.Minute, tr.sleep)
	if got := g.Suspend(10 * time.Second); got != 10*time.Second {
		t.Fatalf("got %s", got)
	}
	if got := g.Suspend(5 * time.Second); got != 10*time.Second {
		t.Fatalf("shorter pause replaced longer: got %s", got)
	}
	if got := g.Suspend(time.Hour); got != time.Minute {
		t.Fatalf("clamp: got %s", got)
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := tr.list(); !reflect.DeepEqual(got, []string{"sleep:1m0s"}) {
		t.Fatalf("sleeps: got %v", got)
	}
}

func TestAggregatorRefusesBeyondTotal(t *testing.T) {
	a := newAggregator("j", 2, nil, epoch, func() time.Time { return epoch.Add(90 * time.Second) })
	for _, o := range []Outcome{OutcomeSuccess, OutcomeBlocked} {
		if err := a.Record(o); err != nil {
			t.Fatalf("record %s: %v", o, err)
		}
	}
	if err := a.Record(OutcomeFailed); err == nil {
		t.Fatalf("expected error beyond total")
	}
	snap, err := a.Complete(context.Background(), StatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	want := Snapshot{Total: 2, Success: 1, Blocked: 1, Elapsed: 90 * time.Second}
	if snap != want {
		t.Fatalf("snapshot: got %+v, want %+v", snap, want)
	}
}

func TestReporterDisabledWithoutMessage(t *testing.T) {
	ed := &recordingEditor{}
	r := newReporter(ed, kit.MessageRef{}, 1)
	if edited, _ := r.BatchDone(context.Background(), 1, Snapshot{}); edited {
		t.Fatalf("edited without a status message")
	}
	_ = r.Final(context.Background(), Snapshot{}, StatusCompleted)
	if n := len(ed.edits()); n != 0 {
		t.Fatalf("edits: got %d", n)
	}
}

func TestSummaryTextCancelled(t *testing.T) {
	s := Snapshot{Total: 10, Success: 3, Failed: 1, Blocked: 1, Remaining: 5, Elapsed: 75 * time.Second}
	got := summaryText(s, StatusCancelled).String()
	for _, want := range []string{"Broadcast Cancelled", "Not Sent: 5", "Time Taken: 1m 15s"} {
		if !strings.Contains(got, want) {
			t.Fatalf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(summaryText(s, StatusCompleted).String(), "Not Sent") {
		t.Fatalf("completed summary lists unsent recipients")
	}
}
