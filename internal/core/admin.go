package core

import (
	"fmt"

	"msusd/internal/event"
	"msusd/internal/state"
)

// Admin commands only change settings. They carry no journals but still
// take a sequence number so replay reproduces them in order.

func (c *DeterministicCore) ownerOnly(hdr *event.Header) error {
	return c.roles.Authorize(hdr.Caller, state.RoleOwner)
}

func (c *DeterministicCore) handleSetSupplyLimit(e *event.SetSupplyLimit) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if e.Limit == nil {
		return nil, fmt.Errorf("supply limit: %w", ErrInvalidAmount)
	}
	if err := c.supplyLimit.Set(e.Limit); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetRole(e *event.SetRole) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	role, err := state.ParseRole(e.Role)
	if err != nil {
		return nil, err
	}
	if err := c.roles.SetHolder(role, e.Holder); err != nil {
		return nil, err
	}
	c.logger.Info().Str("role", role.String()).Str("holder", e.Holder.Hex()).Msg("role granted")
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetWhitelisted(e *event.SetWhitelisted) (*plan, error) {
	if err := c.roles.Authorize(e.Caller, state.RoleWhitelister, state.RoleOwner); err != nil {
		return nil, err
	}
	if err := c.roles.SetWhitelisted(e.Account, e.Allowed); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetCooldownDuration(e *event.SetCooldownDuration) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if err := c.vault.SetCooldownDuration(e.Duration); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetRewardTax(e *event.SetRewardTax) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if err := c.vault.SetTaxPerThousand(e.PerThousand); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetRebaseTax(e *event.SetRebaseTax) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if err := c.rebase.SetTaxPerThousand(e.PerThousand); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetFeeCollector(e *event.SetFeeCollector) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if err := requireAddress("fee collector", e.FeeCollector); err != nil {
		return nil, err
	}
	if e.FeeCollector == c.feeCollector {
		return nil, fmt.Errorf("fee collector %s: %w", e.FeeCollector.Hex(), ErrAlreadySet)
	}
	c.feeCollector = e.FeeCollector
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetClaimDelay(e *event.SetClaimDelay) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if err := c.redemptions.SetClaimDelay(e.Delay); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetRedemptionsEnabled(e *event.SetRedemptionsEnabled) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if err := c.redemptions.SetEnabled(e.Enabled); err != nil {
		return nil, err
	}
	return &plan{}, nil
}

func (c *DeterministicCore) handleSetRedemptionCap(e *event.SetRedemptionCap) (*plan, error) {
	if err := c.ownerOnly(&e.Header); err != nil {
		return nil, err
	}
	if _, err := c.assets.Known(e.Asset); err != nil {
		return nil, err
	}
	if e.Cap == nil {
		return nil, fmt.Errorf("redemption cap: %w", ErrInvalidAmount)
	}
	if err := c.redemptions.SetCap(e.Asset, e.Cap); err != nil {
		return nil, err
	}
	return &plan{}, nil
}
