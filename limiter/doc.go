// Package limiter protects the host from request floods.
//
// A RateLimiter combines a global token bucket, one token bucket per client
// address and a cap on requests executing at the same time. Rejected
// requests get HTTP 429 and are counted in metrics.RateLimitHits.
package limiter
