// Package cache provides a two-level caching system for decoded images.
// It includes an in-memory LRU store (L1) holding decoded payloads and a
// journaled disk store (L2) holding encoded bytes, plus the per-key edit
// locks and policies callers use to keep concurrent loads from producing the
// same artifact twice.
package cache
