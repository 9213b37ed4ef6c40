// Package aggregates defines domain-facing aggregate contracts and the error
// taxonomy shared by every write path.
//
// These contracts avoid persistence details. A VersionedEntity is only ever
// mutated through a conditional compare-and-set on its version; a MemberOwner
// additionally mirrors its link rows in a denormalized id array.
package aggregates
