// Package handler dispatches inbound client commands through the
// validate -> rate-limit -> authorize -> effect -> reply pipeline.
package handler

import (
	stderrors "errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nmxmxh/marketgate/internal/hub"
	"github.com/nmxmxh/marketgate/internal/metrics"
	"github.com/nmxmxh/marketgate/internal/ratelimit"
	"github.com/nmxmxh/marketgate/internal/registry"
	"github.com/nmxmxh/marketgate/internal/schema"
	"github.com/nmxmxh/marketgate/internal/source"
	"github.com/nmxmxh/marketgate/internal/wire"
	"github.com/nmxmxh/marketgate/pkg/errors"
)

// Handler processes frames from authenticated connections.
type Handler struct {
	registry  *registry.Registry
	hub       *hub.Hub
	limiter   *ratelimit.Limiter
	validator *schema.Validator
	quotes    *source.QuoteCache
	log       *zap.Logger
}

// New creates a handler.
func New(reg *registry.Registry, h *hub.Hub, limiter *ratelimit.Limiter, quotes *source.QuoteCache, log *zap.Logger) *Handler {
	return &Handler{
		registry:  reg,
		hub:       h,
		limiter:   limiter,
		validator: schema.New(),
		quotes:    quotes,
		log:       log,
	}
}

// HandleFrame runs one inbound frame through the pipeline. Every failure mode
// is answered with a structured error reply; the connection itself stays open.
func (h *Handler) HandleFrame(connID string, raw []byte) {
	sess, ok := h.registry.Get(connID)
	if !ok {
		// Disconnected while the frame was in flight.
		return
	}
	h.registry.Touch(connID)

	env, err := wire.Decode(raw)
	if err != nil {
		h.sendError(connID, wire.CodeValidationError, "malformed message frame")
		return
	}
	metrics.MessagesReceived.WithLabelValues(env.Type).Inc()

	if err := h.validator.Validate(env); err != nil {
		if stderrors.Is(err, errors.ErrUnsupportedMessageType) {
			h.sendError(connID, wire.CodeUnknownCommand, fmt.Sprintf("unknown command %q", env.Type))
			return
		}
		h.sendError(connID, wire.CodeValidationError, err.Error())
		return
	}

	switch env.Type {
	case wire.TypeSubscribe:
		h.handleSubscribe(connID, sess, env, true)
	case wire.TypeUnsubscribe:
		h.handleSubscribe(connID, sess, env, false)
	case wire.TypePing:
		h.handlePing(connID, sess)
	case wire.TypeGetCurrentPrice:
		h.handleGetPrice(connID, sess, env)
	default:
		// Structurally valid but not a client command (e.g. a client echoing
		// back a broadcast type).
		h.sendError(connID, wire.CodeUnknownCommand, fmt.Sprintf("unknown command %q", env.Type))
	}
}

func (h *Handler) handleSubscribe(connID string, sess registry.Session, env *wire.Envelope, subscribe bool) {
	var cmd wire.SubscribeCommand
	if err := env.DecodePayload(&cmd); err != nil {
		h.sendError(connID, wire.CodeValidationError, "malformed subscribe payload")
		return
	}

	var granted []string
	for _, channel := range cmd.Events {
		decision := h.limiter.Allow(sess.SubjectID, channel)
		if !decision.Allowed {
			h.rejectRate(connID, decision)
			continue
		}

		var err error
		if subscribe {
			err = h.registry.Subscribe(connID, channel)
		} else {
			err = h.registry.Unsubscribe(connID, channel)
		}
		switch {
		case err == nil:
			granted = append(granted, channel)
		case stderrors.Is(err, errors.ErrPermissionDenied):
			h.sendError(connID, wire.CodePermissionDenied,
				fmt.Sprintf("role %s may not subscribe to %s", sess.Role, channel))
		case stderrors.Is(err, errors.ErrSessionNotFound):
			// Session evicted mid-command; nothing left to reply to.
			return
		default:
			h.sendError(connID, wire.CodeInternalError, "subscription failed")
		}
	}

	if len(granted) == 0 {
		return
	}
	status := "subscribed"
	if !subscribe {
		status = "unsubscribed"
	}
	h.reply(connID, wire.TypeSubscription, wire.SubscriptionPayload{Status: status, Events: granted})
}

func (h *Handler) handlePing(connID string, sess registry.Session) {
	decision := h.limiter.Allow(sess.SubjectID, ratelimit.ConnectionScope)
	if !decision.Allowed {
		h.rejectRate(connID, decision)
		return
	}
	h.reply(connID, wire.TypePong, wire.PongPayload{ServerTime: time.Now().UTC().Format(time.RFC3339)})
}

func (h *Handler) handleGetPrice(connID string, sess registry.Session, env *wire.Envelope) {
	decision := h.limiter.Allow(sess.SubjectID, ratelimit.ConnectionScope)
	if !decision.Allowed {
		h.rejectRate(connID, decision)
		return
	}

	var cmd wire.GetPriceCommand
	if err := env.DecodePayload(&cmd); err != nil {
		h.sendError(connID, wire.CodeValidationError, "malformed get_current_price payload")
		return
	}
	if h.quotes == nil {
		h.sendError(connID, wire.CodeInternalError, "price lookup unavailable")
		return
	}
	quote, ok := h.quotes.Get(cmd.Symbol)
	if !ok {
		h.sendError(connID, wire.CodeValidationError, fmt.Sprintf("no quote for symbol %q", cmd.Symbol))
		return
	}
	h.reply(connID, wire.TypePriceQuote, quote)
}

func (h *Handler) rejectRate(connID string, decision ratelimit.Decision) {
	metrics.RateLimitRejections.WithLabelValues(decision.Scope, decision.Reason).Inc()
	if h.log != nil {
		h.log.Warn("command rate limited",
			zap.String("conn_id", connID),
			zap.String("scope", decision.Scope),
			zap.Error(decision.Err()))
	}
	msg := fmt.Sprintf("rate limit exceeded on %s", decision.Scope)
	if decision.RetryAfter > 0 {
		msg = fmt.Sprintf("blocked on %s, retry in %ds", decision.Scope, int(decision.RetryAfter.Seconds()))
	}
	h.sendError(connID, wire.CodeRateLimitExceeded, msg)
}

func (h *Handler) reply(connID, msgType string, payload interface{}) {
	env, err := wire.NewEnvelope(msgType, payload)
	if err != nil {
		if h.log != nil {
			h.log.Error("failed to build reply", zap.String("type", msgType), zap.Error(err))
		}
		return
	}
	h.hub.Send(connID, env)
}

func (h *Handler) sendError(connID, code, message string) {
	h.reply(connID, wire.TypeError, wire.ErrorPayload{Code: code, Message: message})
}
