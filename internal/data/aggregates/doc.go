// Package aggregates implements the write side of versioned aggregates.
//
// UpdateWithVersion is the single optimistic write primitive: one conditional
// UPDATE keyed on id and, optionally, the caller's expected version. Membership
// builds the constrained relationship manager on top of it, keeping link rows and
// the owner's denormalized member array in step. Both report failures with the
// codes from internal/domain/aggregates.
package aggregates
