package broadcast

import (
	"fmt"

	"castbot/pkg/tgui"
)

const progressBarWidth = 10

func progressText(s Snapshot) tgui.H {
	return tgui.Lines(
		tgui.H("📢 ")+tgui.B("Broadcasting..."),
		"",
		tgui.Esc(fmt.Sprintf("✅ Success: %d", s.Success)),
		tgui.Esc(fmt.Sprintf("❌ Failed: %d", s.Failed)),
		tgui.Esc(fmt.Sprintf("🚫 Blocked: %d", s.Blocked)),
		tgui.Esc(fmt.Sprintf("⏳ Remaining: %d", s.Remaining)),
		"",
		tgui.Esc(tgui.Bar(s.Done(), s.Total, progressBarWidth)),
	)
}

func summaryText(s Snapshot, status Status) tgui.H {
	title := tgui.H("✅ ") + tgui.B("Broadcast Complete!")
	if status == StatusCancelled {
		title = tgui.H("⛔ ") + tgui.B("Broadcast Cancelled")
	}
	lines := []tgui.H{
		title,
		"",
		tgui.Esc(fmt.Sprintf("👥 Total Users: %d", s.Total)),
		tgui.Esc(fmt.Sprintf("✅ Successfully Sent: %d", s.Success)),
		tgui.Esc(fmt.Sprintf("❌ Failed: %d", s.Failed)),
		tgui.Esc(fmt.Sprintf("🚫 Blocked Bot: %d", s.Blocked)),
	}
	if status == StatusCancelled {
		lines = append(lines, tgui.Esc(fmt.Sprintf("⏳ Not Sent: %d", s.Remaining)))
	}
	lines = append(lines, tgui.Esc("⏱️ Time Taken: "+tgui.FormatDuration(s.Elapsed)))
	return tgui.Lines(lines...)
}

// JobText renders a job for status commands.
func JobText(j Job, elapsed string) tgui.H {
	return tgui.Lines(
		tgui.JoinH(" ", tgui.B("Broadcast"), tgui.Code(j.ID)),
		tgui.Esc(fmt.Sprintf("Status: %s · %s", j.Status, j.Kind)),
		tgui.Esc(fmt.Sprintf("✅ %d  ❌ %d  🚫 %d  ⏳ %d of %d", j.Counts.Success, j.Counts.Failed, j.Counts.Blocked, j.Remaining(), j.Total)),
		tgui.Esc(tgui.Bar(j.Counts.Done(), j.Total, progressBarWidth)+" · "+elapsed),
	)
}
