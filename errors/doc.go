// Package errors provides error classification for the weave control plane.
//
// # Classification
//
// Every error surfaced by a weave component belongs to one of three classes:
//
//   - Transient: broker or coordination transport failures, timeouts. Callers may retry.
//   - Invalid: malformed log payloads, bad specifications, bad replies. Never retried.
//   - Fatal: coordination session loss. The owning controller moves to FAILED.
//
// # Wrapping
//
// Wrap helpers produce messages of the form "component.method: action failed: cause"
// and keep the cause reachable through errors.Is and errors.As:
//
//	if err := kv.Put(ctx, key, data); err != nil {
//	    return errors.WrapTransient(err, "KVClient", "Set", "put node")
//	}
//
// Domain sentinels such as ErrIllegalState, ErrSessionLost and ErrCommandTimeout are
// matched with errors.Is after any amount of wrapping.
package errors
