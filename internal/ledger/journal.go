package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralDeposit JournalType = iota
	JournalTypeCollateralWithdraw
	JournalTypeMintCollateral
	JournalTypeMintIssue
	JournalTypeRedeemBurn
	JournalTypeRedemptionClaim
	JournalTypeCustodySweep
	JournalTypeCustodyReturn
	JournalTypeVaultDeposit
	JournalTypeVaultWithdraw
	JournalTypeShareMint
	JournalTypeShareBurn
	JournalTypeCooldownEscrow
	JournalTypeSiloRelease
	JournalTypeRewardMint
	JournalTypeRewardTax
	JournalTypeBridgeCredit
	JournalTypeBridgeDebit
	JournalTypeTransfer
)

var journalTypeNames = [...]string{
	"collateral_deposit",
	"collateral_withdraw",
	"mint_collateral",
	"mint_issue",
	"redeem_burn",
	"redemption_claim",
	"custody_sweep",
	"custody_return",
	"vault_deposit",
	"vault_withdraw",
	"share_mint",
	"share_burn",
	"cooldown_escrow",
	"silo_release",
	"reward_mint",
	"reward_tax",
	"bridge_credit",
	"bridge_debit",
	"transfer",
}

func (t JournalType) String() string {
	if t >= 0 && int(t) < len(journalTypeNames) {
		return journalTypeNames[t]
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID      // Unique identifier
	BatchID       uuid.UUID      // Groups entries of one command
	EventRef      string         // Idempotency key of source command
	Sequence      int64          // Global event sequence
	DebitAccount  AccountKey     // Account receiving debit (balance increases)
	CreditAccount AccountKey     // Account receiving credit (balance decreases)
	Asset         common.Address // Token being moved
	Amount        *uint256.Int   // Always positive
	JournalType   JournalType
	Timestamp     int64 // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount of one asset between two distinct accounts, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has non-positive amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}

		if j.DebitAccount.IsExternal() && j.CreditAccount.IsExternal() {
			return fmt.Errorf("journal %s moves between two external accounts", j.JournalID)
		}
	}

	return nil
}

// Empty reports whether the batch carries no journals.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Journals) == 0
}
