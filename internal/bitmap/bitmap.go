// Package bitmap implements the status bitmask carried by every provisioned
// entity. Each bit records the last-known outcome of provisioning against one
// backend; multiple bits are meaningful in combination (an entity can be
// soft-deleted in storage while still LdapReady, cleanup pending).
package bitmap

import (
	"fmt"
	"strings"
)

// Flag is a single named status bit.
type Flag int64

const (
	// New marks an entity that has been recorded but never converged.
	New Flag = 1 << iota

	// Active marks an entity whose initial provisioning completed.
	Active

	// Suspended marks an entity that is administratively disabled.
	Suspended

	// Deleted marks an entity whose backend cleanup has completed. It is
	// raised only after every readiness bit requiring cleanup was cleared.
	Deleted

	// LdapReady records a successful directory provisioning.
	LdapReady

	// ImapReady records a successful mailbox provisioning.
	ImapReady

	// Verified records a successful external existence check (DNS for
	// domains, shared-mailbox presence for resources and folders).
	Verified
)

var flagNames = map[Flag]string{
	New:       "new",
	Active:    "active",
	Suspended: "suspended",
	Deleted:   "deleted",
	LdapReady: "ldapReady",
	ImapReady: "imapReady",
	Verified:  "verified",
}

// String returns the lowerCamel name used in logs and API payloads.
func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("flag(%d)", int64(f))
}

// Mask is the integer status column value. The zero value has no bits set.
type Mask int64

// Has reports whether every bit of f is set.
func (m Mask) Has(f Flag) bool {
	return int64(m)&int64(f) == int64(f) && f != 0
}

// Set raises f. Setting an already-set bit is a no-op.
func (m *Mask) Set(f Flag) {
	*m = Mask(int64(*m) | int64(f))
}

// Clear lowers f without disturbing other bits. Clearing an already-clear
// bit is a no-op. Uses AND-complement rather than XOR so it stays correct
// even when the caller's precondition about the bit being set is wrong.
func (m *Mask) Clear(f Flag) {
	*m = Mask(int64(*m) &^ int64(f))
}

// Validate rejects masks containing bits outside the allowed set. Entities
// differ in which bits they may carry (groups have no mailbox bits); the
// store calls this before persisting a status change.
func (m Mask) Validate(allowed Mask) error {
	if extra := int64(m) &^ int64(allowed); extra != 0 {
		return fmt.Errorf("invalid status: unknown bits %#x", extra)
	}
	return nil
}

// String renders the set bits as a comma-joined list, for logs.
func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	for _, f := range []Flag{New, Active, Suspended, Deleted, LdapReady, ImapReady, Verified} {
		if m.Has(f) {
			names = append(names, f.String())
		}
	}
	if rest := int64(m) &^ int64(New|Active|Suspended|Deleted|LdapReady|ImapReady|Verified); rest != 0 {
		names = append(names, fmt.Sprintf("%#x", rest))
	}
	return strings.Join(names, ",")
}
