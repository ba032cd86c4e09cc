// Package broadcast delivers one captured payload to every known recipient.
//
// A job snapshots the recipient ids, splits them into fixed-size batches and
// walks them sequentially with a pause between batches. Each recipient gets
// exactly one outcome (success, failed or blocked). A rate-limit answer from
// the transport suspends the whole pipeline for the requested time, after
// which the same recipient is retried once. Counters are persisted at batch
// granularity and an operator status message is edited every few batches,
// ending with a summary.
//
// Jobs run on a small worker pool (one sequential pipeline per job). Status
// is published to readers under the service lock; pipelines never share
// counters.
package broadcast
