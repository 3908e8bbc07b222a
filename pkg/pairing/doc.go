// Package pairing holds the short-lived pairing artifacts (QR payloads and phone pairing
// codes) issued while a session links a new device.
//
// Each identity has at most one live artifact. Artifacts carry a monotonic ID so a delayed
// expiry can prove it still targets the artifact it was scheduled for.
package pairing
