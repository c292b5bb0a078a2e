package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keepmind9/botgate/internal/bot"
	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/internal/metrics"
	"github.com/keepmind9/botgate/internal/session"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnknownPlatform is returned for deliveries to a platform with no
	// registered connector
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrUnauthorized is returned when a delivery fails verification
	ErrUnauthorized = errors.New("delivery failed verification")

	// ErrHandler wraps the errors returned by the event handler
	ErrHandler = errors.New("event handler failed")
)

// Request outcomes recorded in metrics.RequestsTotal
const (
	outcomeAccepted        = "accepted"
	outcomeHandshake       = "handshake"
	outcomeUnauthorized    = "unauthorized"
	outcomeUnknownPlatform = "unknown_platform"
	outcomeStoreError      = "store_error"
	outcomeHandlerError    = "handler_error"
)

// Handler processes one event context. Handlers for the events of one
// delivery run in order on the request goroutine.
type Handler func(ctx context.Context, c *bot.Context) error

// Result describes how a delivery was handled
type Result struct {
	// Body is the JSON response body expected by the platform, if any
	Body []byte
	// Handshake is true when the delivery was a handshake answered directly
	Handshake bool
	// SessionKey is empty when the payload had no recognizable conversation
	SessionKey string
	// Events is the number of events mapped from the delivery
	Events int
}

// EngineConfig holds the dependencies of an Engine
type EngineConfig struct {
	// Store keeps sessions between deliveries; an in-memory LRU store is used
	// when nil
	Store session.Store
	// Handler receives every event context; events are only logged when nil
	Handler Handler
	// EnrichmentTimeout bounds one UpdateSession call (default 10s)
	EnrichmentTimeout time.Duration
	// DisableEnrichment skips UpdateSession entirely
	DisableEnrichment bool
}

// Engine dispatches webhook deliveries to the registered connectors
type Engine struct {
	mu         sync.RWMutex
	connectors map[string]bot.Connector // Platform -> connector

	store             session.Store
	handler           Handler
	enrichmentTimeout time.Duration
	disableEnrichment bool
}

// NewEngine creates a new Engine instance
func NewEngine(cfg EngineConfig) (*Engine, error) {
	store := cfg.Store
	if store == nil {
		memory, err := session.NewMemoryStore(constants.DefaultSessionCacheSize)
		if err != nil {
			return nil, err
		}
		store = memory
	}

	timeout := cfg.EnrichmentTimeout
	if timeout <= 0 {
		timeout = constants.DefaultEnrichmentTimeout
	}

	return &Engine{
		connectors:        make(map[string]bot.Connector),
		store:             store,
		handler:           cfg.Handler,
		enrichmentTimeout: timeout,
		disableEnrichment: cfg.DisableEnrichment,
	}, nil
}

// Register adds a connector under its platform name, replacing any previous one
func (e *Engine) Register(conn bot.Connector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connectors[conn.Platform()] = conn
	logger.WithPlatform(conn.Platform()).Info("connector-registered")
}

// Connector returns the connector registered for platform
func (e *Engine) Connector(platform string) (bot.Connector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conn, ok := e.connectors[platform]
	return conn, ok
}

// Platforms returns the registered platforms in name order
func (e *Engine) Platforms() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	platforms := make([]string, 0, len(e.connectors))
	for platform := range e.connectors {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	return platforms
}

// HandleRequest runs one delivery through the connector of platform:
//
//  1. verification; failures stop with ErrUnauthorized
//  2. handshake deliveries are answered directly
//  3. batched deliveries are split into one payload per conversation
//  4. the session for each conversation is checked out and enriched; a failed
//     enrichment is logged and the unenriched session is used
//  5. every mapped event gets a context which is passed to the handler
//  6. the session is checked back in and the platform acknowledgement, if
//     any, becomes the result body
//
// Handler errors are joined and wrapped in ErrHandler; the Result is still
// returned with them.
func (e *Engine) HandleRequest(ctx context.Context, platform string, req *bot.Request) (*Result, error) {
	conn, ok := e.Connector(platform)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("unknown", outcomeUnknownPlatform).Inc()
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	if !conn.VerifySignature(req) {
		metrics.VerificationFailures.WithLabelValues(platform).Inc()
		metrics.RequestsTotal.WithLabelValues(platform, outcomeUnauthorized).Inc()
		logger.WithPlatform(platform).Warn("delivery-verification-failed")
		return nil, ErrUnauthorized
	}

	if hs, ok := conn.(bot.Handshaker); ok {
		if body, ok := hs.Handshake(req.Payload); ok {
			metrics.RequestsTotal.WithLabelValues(platform, outcomeHandshake).Inc()
			logger.WithPlatform(platform).Info("handshake-answered")
			return &Result{Body: body, Handshake: true}, nil
		}
	}

	parts := []bot.RawPayload{req.Payload}
	if splitter, ok := conn.(bot.Splitter); ok {
		if split := splitter.Split(req.Payload); len(split) > 0 {
			parts = split
		}
	}

	result := &Result{}
	var handlerErrs []error
	for i, part := range parts {
		key, events, errs, err := e.dispatch(ctx, conn, part)
		if err != nil {
			metrics.RequestsTotal.WithLabelValues(platform, outcomeStoreError).Inc()
			return nil, err
		}
		if i == 0 {
			result.SessionKey = key
		}
		result.Events += events
		handlerErrs = append(handlerErrs, errs...)
	}

	if ack, ok := conn.(bot.Acknowledger); ok {
		result.Body = ack.Ack(req.Payload)
	}

	if len(handlerErrs) > 0 {
		metrics.RequestsTotal.WithLabelValues(platform, outcomeHandlerError).Inc()
		return result, fmt.Errorf("%w: %w", ErrHandler, errors.Join(handlerErrs...))
	}

	metrics.RequestsTotal.WithLabelValues(platform, outcomeAccepted).Inc()
	return result, nil
}

// dispatch runs one conversation of a delivery: checkout, handlers for every
// mapped event, then checkin. Only store failures are returned as err.
func (e *Engine) dispatch(ctx context.Context, conn bot.Connector, payload bot.RawPayload) (string, int, []error, error) {
	platform := conn.Platform()
	key, hasKey := conn.GetUniqueSessionKey(payload)
	sess, err := e.checkout(ctx, conn, key, hasKey, payload)
	if err != nil {
		return key, 0, nil, err
	}

	events := conn.MapRequestToEvents(payload)

	var handlerErrs []error
	for _, event := range events {
		metrics.EventsTotal.WithLabelValues(platform, event.Kind().String()).Inc()
		c := conn.CreateContext(bot.ContextParams{Event: event, Session: sess})

		if e.handler == nil {
			logger.WithFields(logrus.Fields{
				"platform":   platform,
				"context_id": c.ID(),
				"kind":       event.Kind().String(),
			}).Debug("event-dropped-no-handler")
			continue
		}
		if err := e.handler(ctx, c); err != nil {
			logger.WithFields(logrus.Fields{
				"platform":   platform,
				"context_id": c.ID(),
				"kind":       event.Kind().String(),
				"error":      err,
			}).Error("event-handler-failed")
			handlerErrs = append(handlerErrs, err)
		}
	}

	if hasKey {
		if err := e.store.Set(ctx, session.Key(platform, key), sess); err != nil {
			logger.WithFields(logrus.Fields{
				"platform": platform,
				"session":  key,
				"error":    err,
			}).Error("session-checkin-failed")
		}
	}
	return key, len(events), handlerErrs, nil
}

// checkout returns the session for key, enriched for this delivery. Payloads
// without a key get a transient session that is neither enriched nor stored.
func (e *Engine) checkout(ctx context.Context, conn bot.Connector, key string, hasKey bool, payload bot.RawPayload) (*bot.Session, error) {
	platform := conn.Platform()
	if !hasKey {
		logger.WithPlatform(platform).Debug("no-session-key-using-transient-session")
		return bot.NewSession(platform, ""), nil
	}

	sess, err := e.store.Get(ctx, session.Key(platform, key))
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	if sess == nil {
		sess = bot.NewSession(platform, key)
	}

	if !e.disableEnrichment {
		e.enrich(ctx, conn, sess, payload)
	}
	return sess, nil
}

// enrich runs UpdateSession under the enrichment timeout. Failures leave the
// session as it was.
func (e *Engine) enrich(ctx context.Context, conn bot.Connector, sess *bot.Session, payload bot.RawPayload) {
	platform := conn.Platform()
	updateCtx, cancel := context.WithTimeout(ctx, e.enrichmentTimeout)
	defer cancel()

	start := time.Now()
	err := conn.UpdateSession(updateCtx, sess, payload)
	metrics.SessionUpdateDuration.WithLabelValues(platform).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SessionUpdateErrors.WithLabelValues(platform).Inc()
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"session":  sess.Key,
			"error":    err,
		}).Warn("session-update-failed")
	}
}
