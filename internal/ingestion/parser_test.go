package ingestion_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"msusd/internal/event"
	"msusd/internal/ingestion"
)

const (
	aliceHex = "0x0000000000000000000000000000000000000A11"
	usdcHex  = "0x00000000000000000000000000000000000000c1"
)

func TestCommandSubject(t *testing.T) {
	require.Equal(t, "msusd.commands.Mint", ingestion.CommandSubject(event.EventTypeMint))
}

func TestParseCommand_Mint(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject: "msusd.commands.Mint",
		MsgID:   "msg-1",
		Data: []byte(`{"caller":"` + aliceHex + `","asset":"` + usdcHex + `",
			"amount_in":"100000000","min_amount_out":"99000000000000000000"}`),
	}
	ev, err := ingestion.ParseCommand(raw)
	require.NoError(t, err)

	mint, ok := ev.(*event.Mint)
	require.True(t, ok, "got %T", ev)
	require.Equal(t, common.HexToAddress(aliceHex), mint.Caller)
	require.Equal(t, common.HexToAddress(usdcHex), mint.Asset)
	require.Equal(t, "100000000", mint.AmountIn.Dec())
	require.Equal(t, "99000000000000000000", mint.MinAmountOut.Dec())
	require.Equal(t, "msg-1", mint.IdempotencyKey)
	require.Nil(t, mint.Quote)
}

func TestParseCommand_KeepsPayloadKeyAndShardSuffix(t *testing.T) {
	raw := ingestion.RawEvent{
		Subject: "msusd.commands.SetWhitelisted.shard-3",
		MsgID:   "msg-2",
		Data:    []byte(`{"idempotency_key":"wl-1","caller":"` + aliceHex + `","account":"` + usdcHex + `","allowed":true}`),
	}
	ev, err := ingestion.ParseCommand(raw)
	require.NoError(t, err)
	require.Equal(t, event.EventTypeSetWhitelisted, ev.EventType())
	require.Equal(t, "wl-1", ev.Meta().IdempotencyKey)
}

func TestParseCommand_Malformed(t *testing.T) {
	cases := map[string]ingestion.RawEvent{
		"foreign subject": {Subject: "other.Mint", Data: []byte(`{}`)},
		"unknown type":    {Subject: "msusd.commands.Mystery", Data: []byte(`{}`)},
		"bad json":        {Subject: "msusd.commands.Mint", Data: []byte(`{invalid`)},
		"no caller":       {Subject: "msusd.commands.Mint", Data: []byte(`{"asset":"` + usdcHex + `"}`)},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(raw)
			require.ErrorIs(t, err, ingestion.ErrMalformed)
		})
	}
}

func TestParsePriceUpdate(t *testing.T) {
	u, err := ingestion.ParsePriceUpdate(ingestion.RawEvent{
		Subject: "msusd.prices.usdc-usd",
		Data:    []byte(`{"rate":"99980000","decimals":8,"sequence":4,"published_at":"2026-01-01T00:00:00Z"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "usdc-usd", u.OracleID)
	require.Equal(t, "99980000", u.Rate.Dec())
	require.Equal(t, uint8(8), u.Decimals)
	require.Equal(t, int64(4), u.Sequence)

	_, err = ingestion.ParsePriceUpdate(ingestion.RawEvent{
		Subject: "msusd.prices.usdc-usd",
		Data:    []byte(`{"decimals":8,"sequence":5}`),
	})
	require.ErrorIs(t, err, ingestion.ErrMalformed)

	_, err = ingestion.ParsePriceUpdate(ingestion.RawEvent{
		Subject: "elsewhere",
		Data:    []byte(`{"rate":"1","decimals":8}`),
	})
	require.ErrorIs(t, err, ingestion.ErrMalformed)
}
