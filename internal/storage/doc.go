// Package storage persists recipients, broadcast job records and the
// operator audit log.
//
// Drivers: memory (default, process lifetime only), sqlite (modernc, pure
// Go), postgres (pgx pool) and redis. Job counters are written as absolute
// values so a repeated or reordered write never double counts.
package storage
