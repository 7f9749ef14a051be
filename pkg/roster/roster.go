// Package roster resolves signing addresses to member identities via
// the allow-list and delegation snapshot. Where the list and delegations
// come from (token holdings, moderation config) is a collaborator's
// concern; this package only answers "who is this, if anyone".
package roster

import "github.com/ethereum/go-ethereum/common"

// Allowlist is the set of member custody addresses.
type Allowlist map[common.Address]struct{}

// Delegations maps a delegate signing address to the custody address
// that authorized it.
type Delegations map[common.Address]common.Address

// NewAllowlist builds an allow-list from address strings.
func NewAllowlist(addrs ...string) Allowlist {
	list := make(Allowlist, len(addrs))
	for _, a := range addrs {
		list[common.HexToAddress(a)] = struct{}{}
	}
	return list
}

// Eligible resolves address to a member identity. A custody address on
// the allow-list is its own identity; a delegate resolves to its custody
// address, provided that custody address is still allow-listed. The
// second return is false when no identity resolves.
func Eligible(list Allowlist, delegations Delegations, address common.Address) (common.Address, bool) {
	if _, ok := list[address]; ok {
		return address, true
	}
	custody, ok := delegations[address]
	if !ok {
		return common.Address{}, false
	}
	if _, ok := list[custody]; !ok {
		return common.Address{}, false
	}
	return custody, true
}
