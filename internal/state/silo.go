package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// CooldownSilo escrows assets between cooldown and unstake. Only the
// registered vault may release them.
type CooldownSilo struct {
	vault common.Address
}

func NewCooldownSilo(vault common.Address) *CooldownSilo {
	return &CooldownSilo{vault: vault}
}

func (s *CooldownSilo) Vault() common.Address {
	return s.vault
}

// AuthorizeWithdraw checks that caller is the vault.
func (s *CooldownSilo) AuthorizeWithdraw(caller common.Address) error {
	if caller != s.vault {
		return fmt.Errorf("silo withdraw by %s: %w", caller.Hex(), ErrNotAuthorized)
	}
	return nil
}
