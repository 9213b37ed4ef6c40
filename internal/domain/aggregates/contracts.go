package aggregates

// WriteTxOwnership defines who owns write transaction boundaries.
type WriteTxOwnership string

const (
	// WriteTxOwnedByAggregate means aggregate write methods start/manage atomic DB transactions internally.
	WriteTxOwnedByAggregate WriteTxOwnership = "aggregate_owned"
	// WriteTxSingleStatement means every write is one conditional statement and needs no transaction.
	WriteTxSingleStatement WriteTxOwnership = "single_statement"
)

// Contract describes aggregate-level policy expectations.
type Contract struct {
	Name             string
	WriteTxOwnership WriteTxOwnership
	Notes            string
}

// Aggregate is the common marker for all aggregate contracts.
type Aggregate interface {
	Contract() Contract
}

// RequiresAggregateOwnedTx returns true when write transaction ownership is aggregate-owned.
func (c Contract) RequiresAggregateOwnedTx() bool {
	return c.WriteTxOwnership == WriteTxOwnedByAggregate
}

// VersionedEntity is any row guarded by a monotonically increasing version.
// Rows are created at version 1 and every successful mutation adds exactly 1.
type VersionedEntity interface {
	GetID() string
	GetVersion() int
}

// MemberOwner is a versioned aggregate carrying a denormalized mirror of its link rows.
type MemberOwner interface {
	VersionedEntity
	GetMemberIDs() []string
}
