package broadcast

import (
	"context"

	kit "castbot/internal/transport"
	"castbot/pkg/tgui"
)

// Reporter edits one pre-existing operator message in place. It never sends
// a new message. A zero ref disables it.
type Reporter struct {
	editor kit.Editor
	ref    kit.MessageRef
	every  int
}

func newReporter(editor kit.Editor, ref kit.MessageRef, every int) *Reporter {
	if every <= 0 {
		every = DefaultReportEvery
	}
	return &Reporter{editor: editor, ref: ref, every: every}
}

func (r *Reporter) enabled() bool { return r != nil && r.editor != nil && !r.ref.IsZero() }

// BatchDone edits the status message when batchesDone is a multiple of the
// cadence. It reports whether an edit was attempted.
func (r *Reporter) BatchDone(ctx context.Context, batchesDone int, s Snapshot) (bool, error) {
	if !r.enabled() || batchesDone <= 0 || batchesDone%r.every != 0 {
		return false, nil
	}
	return true, r.edit(ctx, progressText(s))
}

// Final replaces the status text with the terminal summary.
func (r *Reporter) Final(ctx context.Context, s Snapshot, status Status) error {
	if !r.enabled() {
		return nil
	}
	return r.edit(ctx, summaryText(s, status))
}

func (r *Reporter) edit(ctx context.Context, text tgui.H) error {
	return r.editor.EditText(ctx, r.ref, text.String(), &kit.SendOptions{ParseMode: tgui.ParseModeHTML})
}
