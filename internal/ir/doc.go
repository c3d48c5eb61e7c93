// Package ir holds the value model and record types shared by the engine,
// the saga orchestrator and every storage backend.
//
// ir imports nothing internal. Storage packages translate between these
// records and their tables; the engine translates between records and its
// typed states and triggers.
//
// Key design constraints:
//   - Dedupe keys are content-addressed: canonical JSON (RFC 8785) hashed with
//     SHA-256 under a versioned domain prefix
//   - Records carry a per-entity sequence number; ordering never relies on
//     wall-clock timestamps
//   - All JSON tags use snake_case
package ir
