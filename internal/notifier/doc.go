// Package notifier delivers chat notifications produced by chat blocks.
//
// Notify never blocks on the network: it dedups, enqueues, and returns. Workers
// drain the queue through a shared token bucket and retry failed sends with
// jittered exponential backoff.
//
// # Dedup
//
// Identical notifications (same channel, target, priority and text) are suppressed
// for DedupWindow. With PersistDedup the suppress-until time is also written to the
// store so a restart does not resend the last alert.
package notifier
