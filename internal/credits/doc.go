// Package credits turns ledger records and live platform state into the
// ordered, de-duplicated contributor lists shown on the end-of-stream credits.
//
// Two query shapes are offered. UserList returns only usernames for one
// category and always degrades on upstream failures. SnapshotJSON renders
// every category in both orderings, enriched with display names and avatars,
// as the JSON document consumed by the credits display; how it reacts to a
// failing existing-state enumerator is governed by SnapshotPolicy.
package credits
