package ledger

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeEngine       // collateral held by the mint engine
	SubTypeVault        // msUSD backing vault shares
	SubTypeSilo         // cooldown escrow
	SubTypeBridgeEscrow // home-chain bridge custody

	// External sub-types (unbounded source/sink, not tracked)
	SubTypeIssuance // token mint/burn boundary
	SubTypeChain    // collateral entering/leaving the ledger
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:       "wallet",
	SubTypeEngine:       "engine",
	SubTypeVault:        "vault",
	SubTypeSilo:         "silo",
	SubTypeBridgeEscrow: "bridge_escrow",
	SubTypeIssuance:     "issuance",
	SubTypeChain:        "chain",
}

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope   AccountScope
	Owner   common.Address // holder address for user accounts, zero otherwise
	SubType AccountSubType
	Asset   common.Address
}

// NewWalletKey creates a key for a holder's token balance.
func NewWalletKey(owner, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Owner:   owner,
		SubType: SubTypeWallet,
		Asset:   asset,
	}
}

// NewSystemAccountKey creates a key for protocol-owned balances.
func NewSystemAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset common.Address) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// IsExternal reports whether the account sits outside the tracked ledger.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Owner.Hex(), k.subTypeName(), k.Asset.Hex())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset.Hex())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// SubTypeName is the sub-type segment of the account path.
func (k AccountKey) SubTypeName() string {
	return k.subTypeName()
}

// ScopeName is the leading segment of the account path.
func (k AccountKey) ScopeName() string {
	switch k.Scope {
	case AccountScopeUser:
		return "user"
	case AccountScopeSystem:
		return "system"
	case AccountScopeExternal:
		return "external"
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	var key AccountKey
	switch {
	case len(parts) == 4 && parts[0] == "user":
		if !common.IsHexAddress(parts[1]) {
			return key, fmt.Errorf("account path %q: bad owner", path)
		}
		key.Scope = AccountScopeUser
		key.Owner = common.HexToAddress(parts[1])
		parts = parts[2:]
	case len(parts) == 3 && parts[0] == "system":
		key.Scope = AccountScopeSystem
		parts = parts[1:]
	case len(parts) == 3 && parts[0] == "external":
		key.Scope = AccountScopeExternal
		parts = parts[1:]
	default:
		return key, fmt.Errorf("account path %q: unknown layout", path)
	}

	subType, ok := parseSubType(parts[0])
	if !ok {
		return key, fmt.Errorf("account path %q: unknown sub-type %q", path, parts[0])
	}
	if !common.IsHexAddress(parts[1]) {
		return key, fmt.Errorf("account path %q: bad asset", path)
	}
	key.SubType = subType
	key.Asset = common.HexToAddress(parts[1])

	return key, nil
}

func parseSubType(name string) (AccountSubType, bool) {
	for st, n := range subTypeNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}
