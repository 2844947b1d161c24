// Package policy holds the small functions that decide when, and how
// patiently, the two ends of a telemetry session talk to each other.
//
// Allow functions run on the accepting side. The simulated peer composes them
// to admit a single client, and to rate limit clients that are not on the
// local machine:
//
//	allow := policy.All(
//		policy.Max(1),
//		policy.Any(policy.Loopback(), policy.RateLimit(10, 10, 64)),
//	)
//
// Timeout functions run on the dialing side. They take the attempt number,
// counted from one since the last success, and return a duration. The session
// uses one to bound each dial, and another for the cooldown that must pass
// after a disconnect before the next dial:
//
//	// 10s, 20s, 30s, 30s, ...
//	connectTimeout := policy.MaxTimeout(30*time.Second, policy.LinearBackoff(1, policy.ConstantTimeout(10*time.Second)))
//	// 1s, 2s, 4s, ... up to a minute
//	cooldown := policy.MaxTimeout(time.Minute, policy.ExponentialBackoff(2, policy.ConstantTimeout(500*time.Millisecond)))
//
// Both kinds are plain funcs, so callers are free to write their own.
package policy
