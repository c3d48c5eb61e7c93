package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows a future algorithm migration.
const (
	DomainDedupe = "statesaga/dedupe/v1"
	DomainEvent  = "statesaga/event/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DedupeKey derives the idempotency key of a trigger firing from the entity,
// the trigger name and the argument values. The same inputs always produce
// the same key, across processes and restarts.
func DedupeKey(entityID, trigger string, args []any) (string, error) {
	argv := make(Array, len(args))
	for i, a := range args {
		v, err := FromAny(a)
		if err != nil {
			return "", fmt.Errorf("DedupeKey: argument %d: %w", i, err)
		}
		argv[i] = v
	}

	canonical, err := MarshalCanonical(Object{
		"entity_id": String(entityID),
		"trigger":   String(trigger),
		"args":      argv,
	})
	if err != nil {
		return "", fmt.Errorf("DedupeKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainDedupe, canonical), nil
}

// EventID computes a content-addressed identifier for a persisted event.
// Sequence numbers are unique per entity, so (entity, seq) identifies the
// event; the hash gives a fixed-width id suitable for external systems.
func EventID(entityID string, seq int64) string {
	canonical, _ := MarshalCanonical(Object{
		"entity_id": String(entityID),
		"seq":       Int(seq),
	})
	return hashWithDomain(DomainEvent, canonical)
}

// MustDedupeKey is like DedupeKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDedupeKey(entityID, trigger string, args ...any) string {
	key, err := DedupeKey(entityID, trigger, args)
	if err != nil {
		panic(err)
	}
	return key
}
