// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Every session key gets its own lane, so lifecycle operations on one session never
// interleave while different sessions proceed in parallel.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - A dropped lane rejects its queued tasks and disappears once its running task finishes.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue("USER_94771234567", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
