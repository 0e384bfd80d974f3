package prefixcache

import "errors"

// Error taxonomy for PrefixCache. ErrMiss is not an error condition — it is
// the distinguished "no entry" result from Lookup — but is declared as a
// sentinel so callers can errors.Is it the same way as the others.
var (
	// ErrDeviceTransferError wraps a failure transferring a tensor to
	// device or host. The operation aborts; already-moved entries stay
	// moved (partial progress is acceptable).
	ErrDeviceTransferError = errors.New("prefixcache: tensor transfer failed")

	// ErrXLConsistencyError indicates the XL parallel structures are out
	// of sync with the main tier: a key present on the main tier has no XL
	// entry. This is a programmer error, not an input error.
	ErrXLConsistencyError = errors.New("prefixcache: XL entry missing for a key present on the main tier")

	// ErrMiss is returned by Lookup when no entry matches. It is not a
	// fatal condition.
	ErrMiss = errors.New("prefixcache: no matching entry")
)
