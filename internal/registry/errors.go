package registry

import "errors"

// ErrRegistryFull is returned by Register when the configured hard
// capacity cap is breached on insert (spec.md §4.1, §7 kind 4).
var ErrRegistryFull = errors.New("registry: capacity limit reached")

// ErrNotOrigin is returned by Register/Deregister when the caller is
// not the entry's origin node (spec.md §7 kind 5).
var ErrNotOrigin = errors.New("registry: caller is not the origin of this service_id")

// ErrNotFound is returned by Deregister for an unknown service_id
// (spec.md §7 kind 5).
var ErrNotFound = errors.New("registry: unknown service_id")
