package dhcp4c

import "github.com/AdguardTeam/golibs/errors"

// Sentinel errors returned by Connection's construction path (spec.md §7).
// Resource-exhaustion and OS failures return the underlying error instead,
// and state/precondition violations are contract violations that panic.
const (
	// ErrInvalidArgument is returned by NewConnection when hlen exceeds 16
	// bytes or idlen is exactly 1 (spec.md §3, §4.1, §8).
	ErrInvalidArgument errors.Error = "dhcp4c: invalid argument"
)
