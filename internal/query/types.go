package query

import (
	"encoding/json"
	"time"
)

// Amounts are base-10 strings of the NUMERIC columns; they exceed int64.

// BalanceEntry is one projected account of an owner.
type BalanceEntry struct {
	AccountPath  string `json:"account_path"`
	SubType      string `json:"sub_type"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
}

// BalancesResponse lists every non-zero account an owner holds.
type BalancesResponse struct {
	Owner        string         `json:"owner"`
	Balances     []BalanceEntry `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// SystemBalance is a protocol account such as the engine or vault.
type SystemBalance struct {
	AccountPath string `json:"account_path"`
	SubType     string `json:"sub_type"`
	Asset       string `json:"asset"`
	Balance     string `json:"balance"`
}

// RedemptionEntry represents a queued redemption for API queries.
type RedemptionEntry struct {
	RequestID      uint64    `json:"request_id"`
	Asset          string    `json:"asset"`
	Amount         string    `json:"amount"`
	Claimed        string    `json:"claimed"`
	ClaimableAfter time.Time `json:"claimable_after"`
	Settled        bool      `json:"settled"`
	LastSequence   int64     `json:"last_sequence"`
}

type RedemptionsResponse struct {
	User         string            `json:"user"`
	Requests     []RedemptionEntry `json:"requests"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// EventRecord is one entry of the event log.
type EventRecord struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool           `json:"is_healthy"`
	LatestSequence  int64          `json:"latest_sequence"`
	AsOfSequence    int64          `json:"as_of_sequence"`
	SequenceGaps    []int64        `json:"sequence_gaps,omitempty"`
	HashChainBreaks []int64        `json:"hash_chain_breaks,omitempty"`
	BalanceDrift    []AccountDrift `json:"balance_drift,omitempty"`
}

// AccountDrift is an account whose projected balance differs from the sum
// of its journal entries.
type AccountDrift struct {
	AccountPath string `json:"account_path"`
	Journaled   string `json:"journaled"`
	Projected   string `json:"projected"`
}
