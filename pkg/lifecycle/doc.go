// Package lifecycle runs the per-session connection state machine.
//
// A Manager owns every live transport handle. Operations and transport events for one
// session key run on that key's lane of a commandqueue, so a restart's destroy-then-register
// sequence completes as a unit while different sessions proceed in parallel.
//
// States:
//
//	absent -> connecting -> open <-> closed-retry -> (connecting | absent)
//
// Invariants:
// - At most one handle is registered per session key; Start closes the previous one first.
// - The access code is generated once, guarded by the sentinel value in the stored config.
// - A pairing artifact expiry only clears the artifact it was scheduled for.
// - A reconnect retry re-checks that the session should still run before connecting.
//
// Usage:
//
//	mgr, _ := lifecycle.NewManager(lifecycle.Options{
//		Store:      store,
//		Transport:  transport,
//		Dispatcher: dispatcher,
//		Notifier:   hub,
//	})
//	defer mgr.Shutdown(context.Background())
//	key, err := mgr.Start(ctx, "94771234567", "Nimal")
package lifecycle
