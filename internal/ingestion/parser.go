package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"msusd/internal/event"
)

// Subjects follow msusd.commands.<EventType>[.<anything>] inbound,
// msusd.prices.<oracle id> for feeds and msusd.ledger.events.<EventType>
// outbound.
const (
	CommandSubjectPrefix = "msusd.commands."
	PriceSubjectPrefix   = "msusd.prices."
	EventSubjectPrefix   = "msusd.ledger.events."
)

var ErrMalformed = errors.New("malformed message")

// CommandSubject is the subject commands of type t are published on.
func CommandSubject(t event.EventType) string {
	return CommandSubjectPrefix + t.String()
}

// ParseCommand converts a raw command message into a typed event. The JSON
// body is the command itself; a missing idempotency key falls back to the
// message's Nats-Msg-Id.
func ParseCommand(raw RawEvent) (event.Event, error) {
	name, ok := strings.CutPrefix(raw.Subject, CommandSubjectPrefix)
	if !ok || name == "" {
		return nil, fmt.Errorf("subject %q: %w", raw.Subject, ErrMalformed)
	}
	name, _, _ = strings.Cut(name, ".")

	t, err := event.ParseEventType(name)
	if err != nil {
		return nil, fmt.Errorf("subject %q: %v: %w", raw.Subject, err, ErrMalformed)
	}
	return DecodeCommand(t, raw.Data, raw.MsgID)
}

// DecodeCommand decodes a JSON command body of type t.
func DecodeCommand(t event.EventType, data []byte, fallbackKey string) (event.Event, error) {
	ev, err := event.Decode(t, data)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrMalformed)
	}
	hdr := ev.Meta()
	if hdr.IdempotencyKey == "" {
		hdr.IdempotencyKey = fallbackKey
	}
	if hdr.Caller == (common.Address{}) {
		return nil, fmt.Errorf("%s without caller: %w", t, ErrMalformed)
	}
	return ev, nil
}

// ParsePriceUpdate decodes a feed observation. The oracle id defaults to the
// subject suffix.
func ParsePriceUpdate(raw RawEvent) (*event.PriceUpdate, error) {
	var u event.PriceUpdate
	if err := json.Unmarshal(raw.Data, &u); err != nil {
		return nil, fmt.Errorf("decode price update: %v: %w", err, ErrMalformed)
	}
	if u.OracleID == "" {
		u.OracleID = strings.TrimPrefix(raw.Subject, PriceSubjectPrefix)
	}
	if u.OracleID == "" || u.OracleID == raw.Subject {
		return nil, fmt.Errorf("price update on %q without oracle id: %w", raw.Subject, ErrMalformed)
	}
	if u.Rate == nil || u.Rate.IsZero() {
		return nil, fmt.Errorf("price update for %s without rate: %w", u.OracleID, ErrMalformed)
	}
	return &u, nil
}
