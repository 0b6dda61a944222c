package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Collateral
	EventTypeAddAsset
	EventTypeRemoveAsset
	EventTypeRestoreAsset
	EventTypeUpdateOracle
	EventTypeMint
	EventTypeDepositCollateral
	EventTypeWithdrawCollateral
	EventTypeTransfer

	// Redemption and custody
	EventTypeRequestRedemption
	EventTypeClaimRedemption
	EventTypeSweep
	EventTypeReturnToEngine

	// Yield vault
	EventTypeVaultDeposit
	EventTypeVaultMint
	EventTypeVaultWithdraw
	EventTypeVaultRedeem
	EventTypeCooldownAssets
	EventTypeCooldownShares
	EventTypeUnstake
	EventTypeMintRewards

	// Bridge
	EventTypeBridgeCredit
	EventTypeBridgeDebit

	// Legacy rebasing token
	EventTypeRebaseMint
	EventTypeRebaseBurn
	EventTypeRebaseTransfer
	EventTypeRebaseOptOut
	EventTypeRebaseOptIn
	EventTypeRebase

	// Admin
	EventTypeSetSupplyLimit
	EventTypeSetRole
	EventTypeSetWhitelisted
	EventTypeSetCooldownDuration
	EventTypeSetRewardTax
	EventTypeSetRebaseTax
	EventTypeSetFeeCollector
	EventTypeSetClaimDelay
	EventTypeSetRedemptionsEnabled
	EventTypeSetRedemptionCap

	eventTypeCount
)

var eventTypeNames = [...]string{
	EventTypeUnknown:               "Unknown",
	EventTypeAddAsset:              "AddAsset",
	EventTypeRemoveAsset:           "RemoveAsset",
	EventTypeRestoreAsset:          "RestoreAsset",
	EventTypeUpdateOracle:          "UpdateOracle",
	EventTypeMint:                  "Mint",
	EventTypeDepositCollateral:     "DepositCollateral",
	EventTypeWithdrawCollateral:    "WithdrawCollateral",
	EventTypeTransfer:              "Transfer",
	EventTypeRequestRedemption:     "RequestRedemption",
	EventTypeClaimRedemption:       "ClaimRedemption",
	EventTypeSweep:                 "Sweep",
	EventTypeReturnToEngine:        "ReturnToEngine",
	EventTypeVaultDeposit:          "VaultDeposit",
	EventTypeVaultMint:             "VaultMint",
	EventTypeVaultWithdraw:         "VaultWithdraw",
	EventTypeVaultRedeem:           "VaultRedeem",
	EventTypeCooldownAssets:        "CooldownAssets",
	EventTypeCooldownShares:        "CooldownShares",
	EventTypeUnstake:               "Unstake",
	EventTypeMintRewards:           "MintRewards",
	EventTypeBridgeCredit:          "BridgeCredit",
	EventTypeBridgeDebit:           "BridgeDebit",
	EventTypeRebaseMint:            "RebaseMint",
	EventTypeRebaseBurn:            "RebaseBurn",
	EventTypeRebaseTransfer:        "RebaseTransfer",
	EventTypeRebaseOptOut:          "RebaseOptOut",
	EventTypeRebaseOptIn:           "RebaseOptIn",
	EventTypeRebase:                "Rebase",
	EventTypeSetSupplyLimit:        "SetSupplyLimit",
	EventTypeSetRole:               "SetRole",
	EventTypeSetWhitelisted:        "SetWhitelisted",
	EventTypeSetCooldownDuration:   "SetCooldownDuration",
	EventTypeSetRewardTax:          "SetRewardTax",
	EventTypeSetRebaseTax:          "SetRebaseTax",
	EventTypeSetFeeCollector:       "SetFeeCollector",
	EventTypeSetClaimDelay:         "SetClaimDelay",
	EventTypeSetRedemptionsEnabled: "SetRedemptionsEnabled",
	EventTypeSetRedemptionCap:      "SetRedemptionCap",
}

func (et EventType) String() string {
	if et > EventTypeUnknown && et < eventTypeCount {
		return eventTypeNames[et]
	}
	return "Unknown"
}

// ParseEventType maps a name such as "Mint" back to its discriminator.
func ParseEventType(name string) (EventType, error) {
	for i := EventTypeUnknown + 1; i < eventTypeCount; i++ {
		if eventTypeNames[i] == name {
			return i, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

// Header carries the fields every command shares. The core overwrites
// Timestamp with its own clock on live execution, so the persisted command
// carries the time it was applied at.
type Header struct {
	IdempotencyKey string         `json:"idempotency_key"`
	Caller         common.Address `json:"caller"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Meta gives the core mutable access to the header of any command.
func (h *Header) Meta() *Header {
	return h
}

// Event is the interface all command payloads implement.
type Event interface {
	Meta() *Header
	EventType() EventType
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	IdempotencyKey string
	EventType      EventType
	Caller         common.Address

	// Execution timestamp, pinned in the command (NOT wall-clock at replay)
	Timestamp time.Time

	// JSON-encoded command, quotes included
	Payload []byte

	// BLAKE3 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// New returns an empty command of the given type, ready to be decoded into.
func New(t EventType) (Event, error) {
	switch t {
	case EventTypeAddAsset:
		return &AddAsset{}, nil
	case EventTypeRemoveAsset:
		return &RemoveAsset{}, nil
	case EventTypeRestoreAsset:
		return &RestoreAsset{}, nil
	case EventTypeUpdateOracle:
		return &UpdateOracle{}, nil
	case EventTypeMint:
		return &Mint{}, nil
	case EventTypeDepositCollateral:
		return &DepositCollateral{}, nil
	case EventTypeWithdrawCollateral:
		return &WithdrawCollateral{}, nil
	case EventTypeTransfer:
		return &Transfer{}, nil
	case EventTypeRequestRedemption:
		return &RequestRedemption{}, nil
	case EventTypeClaimRedemption:
		return &ClaimRedemption{}, nil
	case EventTypeSweep:
		return &Sweep{}, nil
	case EventTypeReturnToEngine:
		return &ReturnToEngine{}, nil
	case EventTypeVaultDeposit:
		return &VaultDeposit{}, nil
	case EventTypeVaultMint:
		return &VaultMint{}, nil
	case EventTypeVaultWithdraw:
		return &VaultWithdraw{}, nil
	case EventTypeVaultRedeem:
		return &VaultRedeem{}, nil
	case EventTypeCooldownAssets:
		return &CooldownAssets{}, nil
	case EventTypeCooldownShares:
		return &CooldownShares{}, nil
	case EventTypeUnstake:
		return &Unstake{}, nil
	case EventTypeMintRewards:
		return &MintRewards{}, nil
	case EventTypeBridgeCredit:
		return &BridgeCredit{}, nil
	case EventTypeBridgeDebit:
		return &BridgeDebit{}, nil
	case EventTypeRebaseMint:
		return &RebaseMint{}, nil
	case EventTypeRebaseBurn:
		return &RebaseBurn{}, nil
	case EventTypeRebaseTransfer:
		return &RebaseTransfer{}, nil
	case EventTypeRebaseOptOut:
		return &RebaseOptOut{}, nil
	case EventTypeRebaseOptIn:
		return &RebaseOptIn{}, nil
	case EventTypeRebase:
		return &Rebase{}, nil
	case EventTypeSetSupplyLimit:
		return &SetSupplyLimit{}, nil
	case EventTypeSetRole:
		return &SetRole{}, nil
	case EventTypeSetWhitelisted:
		return &SetWhitelisted{}, nil
	case EventTypeSetCooldownDuration:
		return &SetCooldownDuration{}, nil
	case EventTypeSetRewardTax:
		return &SetRewardTax{}, nil
	case EventTypeSetRebaseTax:
		return &SetRebaseTax{}, nil
	case EventTypeSetFeeCollector:
		return &SetFeeCollector{}, nil
	case EventTypeSetClaimDelay:
		return &SetClaimDelay{}, nil
	case EventTypeSetRedemptionsEnabled:
		return &SetRedemptionsEnabled{}, nil
	case EventTypeSetRedemptionCap:
		return &SetRedemptionCap{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", t)
	}
}

// Encode serialises a command for the event log.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Decode restores a command written by Encode.
func Decode(t EventType, payload []byte) (Event, error) {
	ev, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return ev, nil
}
