package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

func mustEnvelope(t *testing.T, msgType string, payload interface{}) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestValidateEnvelopeShape(t *testing.T) {
	v := New()

	assert.ErrorIs(t, v.Validate(nil), errors.ErrInvalidEnvelope)

	env := mustEnvelope(t, wire.TypePing, struct{}{})
	env.Type = ""
	assert.Error(t, v.Validate(env))

	env = mustEnvelope(t, wire.TypePing, struct{}{})
	env.Payload = nil
	assert.Error(t, v.Validate(env))

	env = mustEnvelope(t, wire.TypePing, struct{}{})
	env.Timestamp = ""
	assert.Error(t, v.Validate(env))

	env = mustEnvelope(t, wire.TypePing, struct{}{})
	env.Timestamp = "yesterday at noon"
	assert.Error(t, v.Validate(env))
}

func TestUnknownTypeRejected(t *testing.T) {
	v := New()
	env := mustEnvelope(t, "telepathy_update", map[string]interface{}{"x": 1})
	assert.ErrorIs(t, v.Validate(env), errors.ErrUnsupportedMessageType)
}

func TestPriceUpdate(t *testing.T) {
	v := New()

	valid := wire.PriceUpdatePayload{
		Items: []wire.PriceItem{
			{Symbol: "AAPL", CurrentPrice: 227.5, Change: 1.2, ChangePercent: 0.5, Volume: 100},
		},
		MarketState: "open",
		Count:       1,
	}
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypePriceUpdate, valid)))

	// Missing current_price is a contract violation.
	missingPrice := valid
	missingPrice.Items = []wire.PriceItem{{Symbol: "AAPL"}}
	err := v.Validate(mustEnvelope(t, wire.TypePriceUpdate, missingPrice))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "current_price")

	badCount := valid
	badCount.Count = 5
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypePriceUpdate, badCount)))

	noState := valid
	noState.MarketState = ""
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypePriceUpdate, noState)))
}

func TestFXUpdate(t *testing.T) {
	v := New()

	valid := wire.FXUpdatePayload{
		Items:       []wire.FXItem{{Pair: "USD/JPY", Rate: 148.11, Change: -0.2}},
		MarketState: "open",
		Count:       1,
	}
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeFXUpdate, valid)))

	badRate := valid
	badRate.Items = []wire.FXItem{{Pair: "USD/JPY", Rate: 0}}
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeFXUpdate, badRate)))
}

func TestAISignals(t *testing.T) {
	v := New()

	valid := wire.AISignalsPayload{
		Signals: []wire.AISignal{{
			ID: "sig-1", Symbol: "AAPL", SignalType: "BUY",
			Confidence: 0.82, Strength: "strong", CurrentPrice: 227.5, Reasoning: "momentum",
		}},
	}
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeAISignals, valid)))

	badType := valid
	badType.Signals = []wire.AISignal{{ID: "s", Symbol: "AAPL", SignalType: "SHORT", Confidence: 0.5, CurrentPrice: 1}}
	err := v.Validate(mustEnvelope(t, wire.TypeAISignals, badType))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "signal_type")

	badConfidence := valid
	badConfidence.Signals = []wire.AISignal{{ID: "s", Symbol: "AAPL", SignalType: "HOLD", Confidence: 1.3, CurrentPrice: 1}}
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeAISignals, badConfidence)))
}

func TestMarketStatus(t *testing.T) {
	v := New()

	valid := wire.MarketStatusPayload{
		Markets: []wire.MarketInfo{{MarketCode: "NYSE", Status: "open", Timezone: "America/New_York"}},
	}
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeMarketStatus, valid)))

	badStatus := valid
	badStatus.Markets = []wire.MarketInfo{{MarketCode: "NYSE", Status: "half_open", Timezone: "America/New_York"}}
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeMarketStatus, badStatus)))
}

func TestSubscriptionAck(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeSubscription, wire.SubscriptionPayload{
		Status: "subscribed", Events: []string{"us_stocks"},
	})))
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeSubscription, wire.SubscriptionPayload{
		Status: "maybe", Events: []string{"us_stocks"},
	})))
}

func TestClientCommands(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeSubscribe, wire.SubscribeCommand{Events: []string{"us_stocks"}})))
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeUnsubscribe, wire.SubscribeCommand{Events: []string{"news"}})))
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypePing, struct{}{})))
	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeGetCurrentPrice, wire.GetPriceCommand{Symbol: "AAPL"})))

	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeSubscribe, wire.SubscribeCommand{})))
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeSubscribe, wire.SubscribeCommand{Events: []string{""}})))
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeGetCurrentPrice, wire.GetPriceCommand{})))
}

func TestErrorPayload(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeError, wire.ErrorPayload{
		Code: wire.CodePermissionDenied, Message: "role lacks channel access",
	})))
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeError, wire.ErrorPayload{Message: "no code"})))
}

func TestConnectionAck(t *testing.T) {
	v := New()

	assert.NoError(t, v.Validate(mustEnvelope(t, wire.TypeConnection, wire.ConnectionPayload{
		ClientID:          "conn-1",
		ServerVersion:     "1.0.0",
		Services:          []string{"prices", "signals"},
		AvailableChannels: []string{"us_stocks"},
	})))
	assert.Error(t, v.Validate(mustEnvelope(t, wire.TypeConnection, wire.ConnectionPayload{
		ServerVersion: "1.0.0", AvailableChannels: []string{"us_stocks"},
	})))
}

func TestDecodeRoundTrip(t *testing.T) {
	env := mustEnvelope(t, wire.TypePriceQuote, wire.PriceQuotePayload{Symbol: "AAPL", CurrentPrice: 227.5, MarketState: "open"})
	raw, err := env.Encode()
	require.NoError(t, err)

	decoded, err := wire.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.TypePriceQuote, decoded.Type)
	_, err = time.Parse(time.RFC3339, decoded.Timestamp)
	assert.NoError(t, err)

	var p wire.PriceQuotePayload
	require.NoError(t, decoded.DecodePayload(&p))
	assert.Equal(t, "AAPL", p.Symbol)
}
