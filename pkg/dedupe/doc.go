// Package dedupe remembers recently seen message identifiers so redelivered events are
// processed once.
//
// Usage:
//
//	seen := dedupe.New(10*time.Minute, 10000)
//	defer seen.Close()
//	if seen.CheckAndMark(sessionKey + ":" + msgID) {
//		return // duplicate
//	}
package dedupe
