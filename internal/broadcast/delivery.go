package broadcast

import (
	"context"
	"errors"
	"time"

	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type attemptState uint8

const (
	firstAttempt attemptState = iota
	pausedRetry
	terminal
)

// transition is the result of feeding one send result into the attempt
// state machine.
type transition struct {
	next    attemptState
	outcome Outcome       // set when next == terminal
	pause   time.Duration // pipeline pause requested by the transport, if any
}

// nextStep classifies the result of a send made in state cur.
//
//	firstAttempt: ok -> success, blocked -> blocked, rate limited -> pausedRetry, other -> failed
//	pausedRetry:  ok -> success, any error -> failed (a rate limit still pauses)
func nextStep(cur attemptState, err error) transition {
	if err == nil {
		return transition{next: terminal, outcome: OutcomeSuccess}
	}
	if cur != firstAttempt {
		tr := transition{next: terminal, outcome: OutcomeFailed}
		if rl, ok := kit.AsRateLimit(err); ok {
			tr.pause = rl.RetryAfter
		}
		return tr
	}
	if errors.Is(err, kit.ErrBlocked) {
		return transition{next: terminal, outcome: OutcomeBlocked}
	}
	if rl, ok := kit.AsRateLimit(err); ok {
		return transition{next: pausedRetry, pause: rl.RetryAfter}
	}
	return transition{next: terminal, outcome: OutcomeFailed}
}

// deliverer sends one payload to one recipient through the governor.
type deliverer struct {
	sender kit.Sender
	gov    *Governor
	log    logx.Logger
}

// deliver runs the attempt state machine for one recipient and makes at
// most two transport calls. Sends are never cancelled; ctx only interrupts
// the pause before a retry, in which case the recipient is recorded failed.
func (d *deliverer) deliver(ctx context.Context, chatID int64, p kit.Payload) Outcome {
	sendCtx := context.WithoutCancel(ctx)
	to := kit.ChatTarget{ChatID: chatID}
	state := firstAttempt
	for {
		if err := d.gov.Wait(ctx); err != nil {
			d.log.Debug("retry pause interrupted", logx.Int64("chat_id", chatID), logx.Err(err))
			return OutcomeFailed
		}
		_, err := d.sender.Send(sendCtx, to, p)
		tr := nextStep(state, err)
		switch tr.next {
		case terminal:
			if tr.outcome == OutcomeFailed {
				d.log.Debug("delivery failed", logx.Int64("chat_id", chatID), logx.Bool("retry", state == pausedRetry), logx.Err(err))
			}
			if tr.pause > 0 {
				// no second retry, but the next recipient still waits
				applied := d.gov.Suspend(tr.pause)
				d.log.Warn("rate limited on retry; pausing pipeline", logx.Int64("chat_id", chatID), logx.Duration("retry_after", tr.pause), logx.Duration("pause", applied))
			}
			return tr.outcome
		case pausedRetry:
			applied := d.gov.Suspend(tr.pause)
			d.log.Warn("rate limited; pausing pipeline", logx.Int64("chat_id", chatID), logx.Duration("retry_after", tr.pause), logx.Duration("pause", applied))
		}
		state = tr.next
	}
}
