package aggregates

// AddMembersInput links MemberIDs to OwnerID. ExpectedVersion nil skips the
// optimistic check on the owner.
type AddMembersInput struct {
	OwnerID         string
	MemberIDs       []string
	ExpectedVersion *int
}

type RemoveMemberInput struct {
	OwnerID         string
	MemberID        string
	ExpectedVersion *int
}

// ReplaceMembersInput sets the owner's members to exactly MemberIDs, in order.
type ReplaceMembersInput struct {
	OwnerID         string
	MemberIDs       []string
	ExpectedVersion *int
}

// SetPrimaryInput marks OwnerID as the member's primary owner and clears the flag
// on every other link of that member.
type SetPrimaryInput struct {
	MemberID string
	OwnerID  string
}

// MembershipLimits bounds a relationship. Values <= 0 mean unlimited.
type MembershipLimits struct {
	MaxMembersPerOwner int
	MaxOwnersPerMember int
}

// MembershipContract is the policy every membership aggregate follows: writes own
// their transaction and lock the owner row, and the member array is only written
// through the optimistic update.
func MembershipContract(name string) Contract {
	return Contract{
		Name:             name,
		WriteTxOwnership: WriteTxOwnedByAggregate,
		Notes:            "link rows and member_ids change together; owner version bumps once per effective change",
	}
}
