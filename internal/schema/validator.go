// Package schema is the canonical structural contract checker for every
// message envelope and payload shape, inbound and outbound.
package schema

import (
	"fmt"
	"time"

	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

var signalTypes = map[string]bool{"BUY": true, "SELL": true, "HOLD": true}

var marketStatuses = map[string]bool{
	"open": true, "closed": true, "pre_market": true, "after_hours": true,
}

var subscriptionStatuses = map[string]bool{"subscribed": true, "unsubscribed": true}

// Validator checks message contracts. Stateless.
type Validator struct{}

// New creates a validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks the envelope shape and dispatches to the payload validator
// for its type. The first violation found is returned. An unrecognized type is
// a terminal ErrUnsupportedMessageType, never coerced to a known shape.
func (v *Validator) Validate(env *wire.Envelope) error {
	if env == nil {
		return errors.ErrInvalidEnvelope
	}
	if env.Type == "" {
		return errors.Wrap(errors.ErrInvalidEnvelope, "missing type")
	}
	if len(env.Payload) == 0 {
		return errors.Wrap(errors.ErrInvalidEnvelope, "missing payload")
	}
	if env.Timestamp == "" {
		return errors.Wrap(errors.ErrInvalidEnvelope, "missing timestamp")
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		return errors.Wrap(errors.ErrInvalidEnvelope, "timestamp is not RFC3339")
	}

	switch env.Type {
	case wire.TypeConnection:
		return v.validateConnection(env)
	case wire.TypeSubscription:
		return v.validateSubscription(env)
	case wire.TypePriceUpdate, wire.TypeFXUpdate, wire.TypeNewsUpdate:
		return v.validateDomainUpdate(env)
	case wire.TypeMarketStatus:
		return v.validateMarketStatus(env)
	case wire.TypeAISignals:
		return v.validateAISignals(env)
	case wire.TypeHeartbeat, wire.TypePong:
		return nil
	case wire.TypePriceQuote:
		return v.validatePriceQuote(env)
	case wire.TypeError:
		return v.validateError(env)
	case wire.TypeSubscribe, wire.TypeUnsubscribe:
		return v.validateSubscribeCommand(env)
	case wire.TypePing:
		return nil
	case wire.TypeGetCurrentPrice:
		return v.validateGetPrice(env)
	default:
		return errors.ErrUnsupportedMessageType
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrap(errors.ErrInvalidPayload, fmt.Sprintf(format, args...))
}

func (v *Validator) validateConnection(env *wire.Envelope) error {
	var p wire.ConnectionPayload
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if p.ClientID == "" {
		return invalid("connection: missing client_id")
	}
	if p.ServerVersion == "" {
		return invalid("connection: missing server_version")
	}
	if p.AvailableChannels == nil {
		return invalid("connection: missing available_channels")
	}
	return nil
}

func (v *Validator) validateSubscription(env *wire.Envelope) error {
	var p wire.SubscriptionPayload
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if !subscriptionStatuses[p.Status] {
		return invalid("subscription: status %q not in {subscribed, unsubscribed}", p.Status)
	}
	if p.Events == nil {
		return invalid("subscription: missing events")
	}
	return nil
}

func (v *Validator) validateDomainUpdate(env *wire.Envelope) error {
	switch env.Type {
	case wire.TypeFXUpdate:
		var p wire.FXUpdatePayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(errors.ErrInvalidPayload, err.Error())
		}
		if err := checkUpdateCommon(p.MarketState, p.Count, len(p.Items)); err != nil {
			return err
		}
		for i, item := range p.Items {
			if item.Pair == "" {
				return invalid("fx_update: items[%d] missing pair", i)
			}
			if item.Rate <= 0 {
				return invalid("fx_update: items[%d] rate must be positive", i)
			}
		}
		return nil
	case wire.TypeNewsUpdate:
		var p wire.NewsUpdatePayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(errors.ErrInvalidPayload, err.Error())
		}
		if err := checkUpdateCommon(p.MarketState, p.Count, len(p.Items)); err != nil {
			return err
		}
		for i, item := range p.Items {
			if item.ID == "" || item.Headline == "" {
				return invalid("news_update: items[%d] missing id or headline", i)
			}
		}
		return nil
	default:
		var p wire.PriceUpdatePayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(errors.ErrInvalidPayload, err.Error())
		}
		if err := checkUpdateCommon(p.MarketState, p.Count, len(p.Items)); err != nil {
			return err
		}
		for i, item := range p.Items {
			if item.Symbol == "" {
				return invalid("price_update: items[%d] missing symbol", i)
			}
			if item.CurrentPrice <= 0 {
				return invalid("price_update: items[%d] missing or non-positive current_price", i)
			}
		}
		return nil
	}
}

func checkUpdateCommon(marketState string, count, items int) error {
	if marketState == "" {
		return invalid("update: missing market_state")
	}
	if count < 0 {
		return invalid("update: count must be non-negative")
	}
	if count != items {
		return invalid("update: count %d does not match items length %d", count, items)
	}
	return nil
}

func (v *Validator) validateMarketStatus(env *wire.Envelope) error {
	var p wire.MarketStatusPayload
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if p.Markets == nil {
		return invalid("market_status: missing markets")
	}
	for i, m := range p.Markets {
		if m.MarketCode == "" {
			return invalid("market_status: markets[%d] missing market_code", i)
		}
		if !marketStatuses[m.Status] {
			return invalid("market_status: markets[%d] status %q not recognized", i, m.Status)
		}
		if m.Timezone == "" {
			return invalid("market_status: markets[%d] missing timezone", i)
		}
	}
	return nil
}

func (v *Validator) validateAISignals(env *wire.Envelope) error {
	var p wire.AISignalsPayload
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if p.Signals == nil {
		return invalid("ai_signals: missing signals")
	}
	for i, s := range p.Signals {
		if s.ID == "" || s.Symbol == "" {
			return invalid("ai_signals: signals[%d] missing id or symbol", i)
		}
		if !signalTypes[s.SignalType] {
			return invalid("ai_signals: signals[%d] signal_type %q not in {BUY, SELL, HOLD}", i, s.SignalType)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return invalid("ai_signals: signals[%d] confidence %v outside [0,1]", i, s.Confidence)
		}
		if s.CurrentPrice <= 0 {
			return invalid("ai_signals: signals[%d] current_price must be positive", i)
		}
	}
	return nil
}

func (v *Validator) validatePriceQuote(env *wire.Envelope) error {
	var p wire.PriceQuotePayload
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if p.Symbol == "" {
		return invalid("price_quote: missing symbol")
	}
	if p.CurrentPrice <= 0 {
		return invalid("price_quote: current_price must be positive")
	}
	return nil
}

func (v *Validator) validateError(env *wire.Envelope) error {
	var p wire.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if p.Code == "" {
		return invalid("error: missing code")
	}
	if p.Message == "" {
		return invalid("error: missing message")
	}
	return nil
}

func (v *Validator) validateSubscribeCommand(env *wire.Envelope) error {
	var p wire.SubscribeCommand
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if len(p.Events) == 0 {
		return invalid("%s: events must be non-empty", env.Type)
	}
	for i, ev := range p.Events {
		if ev == "" {
			return invalid("%s: events[%d] is empty", env.Type, i)
		}
	}
	return nil
}

func (v *Validator) validateGetPrice(env *wire.Envelope) error {
	var p wire.GetPriceCommand
	if err := env.DecodePayload(&p); err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, err.Error())
	}
	if p.Symbol == "" {
		return invalid("get_current_price: missing symbol")
	}
	return nil
}
