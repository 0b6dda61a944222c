package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalGenerator builds journal batches for one command at a time.
type JournalGenerator struct {
	batch *Batch
}

// NewJournalGenerator starts a batch tagged with the command's reference.
func NewJournalGenerator(eventRef string, sequence, timestamp int64) *JournalGenerator {
	return &JournalGenerator{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

// Move appends an entry moving amount from one account to another. Zero
// amounts are skipped so optional legs (e.g. a zero tax) need no special case.
func (jg *JournalGenerator) Move(from, to AccountKey, amount *uint256.Int, jt JournalType) *JournalGenerator {
	if amount == nil || amount.IsZero() {
		return jg
	}

	jg.batch.Journals = append(jg.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       jg.batch.BatchID,
		EventRef:      jg.batch.EventRef,
		Sequence:      jg.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		Asset:         to.Asset,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   jt,
		Timestamp:     jg.batch.Timestamp,
	})
	return jg
}

// Issue mints a token into an account.
func (jg *JournalGenerator) Issue(to AccountKey, amount *uint256.Int, jt JournalType) *JournalGenerator {
	return jg.Move(NewExternalAccountKey(SubTypeIssuance, to.Asset), to, amount, jt)
}

// Retire burns a token out of an account.
func (jg *JournalGenerator) Retire(from AccountKey, amount *uint256.Int, jt JournalType) *JournalGenerator {
	return jg.Move(from, NewExternalAccountKey(SubTypeIssuance, from.Asset), amount, jt)
}

// Transfer moves a token between two wallets.
func (jg *JournalGenerator) Transfer(from, to, asset common.Address, amount *uint256.Int, jt JournalType) *JournalGenerator {
	return jg.Move(NewWalletKey(from, asset), NewWalletKey(to, asset), amount, jt)
}

// Batch returns the accumulated batch.
func (jg *JournalGenerator) Batch() *Batch {
	return jg.batch
}
