package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type Role uint8

const (
	RoleOwner Role = iota
	RoleWhitelister
	RoleRewarder
	RoleCustodian
	RoleDepositor
	RoleBridge
)

var roleNames = [...]string{
	RoleOwner:       "owner",
	RoleWhitelister: "whitelister",
	RoleRewarder:    "rewarder",
	RoleCustodian:   "custodian",
	RoleDepositor:   "depositor",
	RoleBridge:      "bridge",
}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("role(%d)", r)
}

func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if name == s {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Roles maps each role to a single holder and keeps the mint/redeem
// whitelist.
type Roles struct {
	holders   map[Role]common.Address
	whitelist map[common.Address]bool
}

func NewRoles(owner common.Address) *Roles {
	return &Roles{
		holders:   map[Role]common.Address{RoleOwner: owner},
		whitelist: make(map[common.Address]bool),
	}
}

// Authorize succeeds when caller holds any of roles.
func (r *Roles) Authorize(caller common.Address, roles ...Role) error {
	if caller == (common.Address{}) {
		return ErrNotAuthorized
	}
	for _, role := range roles {
		if r.holders[role] == caller {
			return nil
		}
	}
	return fmt.Errorf("%s lacks %v: %w", caller.Hex(), roles, ErrNotAuthorized)
}

func (r *Roles) Holder(role Role) common.Address {
	return r.holders[role]
}

func (r *Roles) SetHolder(role Role, holder common.Address) error {
	if int(role) >= len(roleNames) {
		return fmt.Errorf("%s: %w", role, ErrInvalidAddress)
	}
	if holder == (common.Address{}) {
		return ErrInvalidZeroAddress
	}
	if r.holders[role] == holder {
		return fmt.Errorf("%s already held by %s: %w", role, holder.Hex(), ErrAlreadySet)
	}
	r.holders[role] = holder
	return nil
}

func (r *Roles) RequireWhitelisted(caller common.Address) error {
	if !r.whitelist[caller] {
		return fmt.Errorf("%s: %w", caller.Hex(), ErrNotWhitelisted)
	}
	return nil
}

func (r *Roles) Whitelisted(addr common.Address) bool {
	return r.whitelist[addr]
}

func (r *Roles) SetWhitelisted(addr common.Address, allowed bool) error {
	if addr == (common.Address{}) {
		return ErrInvalidZeroAddress
	}
	if r.whitelist[addr] == allowed {
		return fmt.Errorf("whitelist %s=%t: %w", addr.Hex(), allowed, ErrAlreadySet)
	}
	if allowed {
		r.whitelist[addr] = true
	} else {
		delete(r.whitelist, addr)
	}
	return nil
}

type RolesSnapshot struct {
	Holders   map[string]common.Address `json:"holders"`
	Whitelist []common.Address          `json:"whitelist"`
}

func (r *Roles) Snapshot() RolesSnapshot {
	snap := RolesSnapshot{Holders: make(map[string]common.Address, len(r.holders))}
	for role, holder := range r.holders {
		snap.Holders[role.String()] = holder
	}
	for addr := range r.whitelist {
		snap.Whitelist = append(snap.Whitelist, addr)
	}
	return snap
}

func (r *Roles) Load(snap RolesSnapshot) error {
	holders := make(map[Role]common.Address, len(snap.Holders))
	for name, holder := range snap.Holders {
		role, err := ParseRole(name)
		if err != nil {
			return err
		}
		holders[role] = holder
	}
	r.holders = holders
	r.whitelist = make(map[common.Address]bool, len(snap.Whitelist))
	for _, addr := range snap.Whitelist {
		r.whitelist[addr] = true
	}
	return nil
}
