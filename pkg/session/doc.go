// Package session owns the durable per-session configuration documents.
//
// Invariants:
// - Session keys have the form USER_<digits> and are derived only from an identity's digits.
// - Loading never fails; corrupt or missing documents yield DefaultConfig.
// - Writes for the same key are serialized and land through temp-file-then-rename.
//
// Usage:
//
//	store, _ := session.NewStore(session.StoreOptions{Dir: "/tmp/wafleet/sessions"})
//	key, _ := session.KeyFromIdentity("+94 77 123 4567")
//	cfg, _ := store.Update(ctx, key, func(c *session.Config) error {
//		_, err := c.Apply("ghost_mode", true)
//		return err
//	})
//	_ = cfg
package session
