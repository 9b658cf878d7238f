package wire

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	jsonx "github.com/nmxmxh/marketgate/pkg/json"
)

// Message type tags recognized on the wire. Every frame, inbound or outbound,
// must carry exactly one of these.
const (
	TypeConnection   = "connection"
	TypeSubscription = "subscription"
	TypePriceUpdate  = "price_update"
	TypeFXUpdate     = "fx_update"
	TypeNewsUpdate   = "news_update"
	TypeMarketStatus = "market_status"
	TypeAISignals    = "ai_signals"
	TypeHeartbeat    = "heartbeat"
	TypePriceQuote   = "price_quote"
	TypeError        = "error"
	TypePong         = "pong"

	// Client commands.
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypePing            = "ping"
	TypeGetCurrentPrice = "get_current_price"
)

// Structured error codes carried in error payloads.
const (
	CodeAuthFailed        = "AUTH_FAILED"
	CodeQuotaExceeded     = "QUOTA_EXCEEDED"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeValidationError   = "VALIDATION_ERROR"
	CodeUnknownCommand    = "UNKNOWN_COMMAND"
	CodeInternalError     = "INTERNAL_ERROR"
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Type      string              `json:"type"`
	Payload   jsoniter.RawMessage `json:"payload"`
	Timestamp string              `json:"timestamp"`
}

// NewEnvelope wraps a payload as a typed envelope stamped with the current time.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	raw, err := jsonx.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return jsonx.Marshal(e)
}

// Decode parses a raw frame into an envelope without interpreting the payload.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := jsonx.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload parses the envelope payload into the given struct.
func (e *Envelope) DecodePayload(v interface{}) error {
	return jsonx.Unmarshal(e.Payload, v)
}
