package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/averitt/tollgate/internal/admission"
	"github.com/averitt/tollgate/internal/breaker"
	"github.com/averitt/tollgate/internal/cache"
	"github.com/averitt/tollgate/internal/ledger"
	"github.com/averitt/tollgate/internal/payment"
	"github.com/averitt/tollgate/internal/pricing"
	"github.com/averitt/tollgate/internal/upstream"
)

// AccountReader resolves an agent's ledger-derived account. Implementations
// may return ledger.ErrUnknownAgent for agents with no history.
type AccountReader interface {
	Account(ctx context.Context, agentID string) (*ledger.AgentAccount, error)
}

// Recorder accepts ledger records without blocking the request path.
type Recorder interface {
	Record(rec ledger.Record)
}

// MetricsRecorder is an optional interface for recording pipeline metrics.
type MetricsRecorder interface {
	IncGatewayRequest(endpoint string, statusCode int)
	ObserveUpstreamDuration(endpoint string, seconds float64)
	IncUpstreamError(errorType, endpoint string)
	IncCacheHit(namespace string)
	IncCacheMiss(namespace string)
	IncPaymentChallenge()
	IncPaymentVerification(outcome string)
	IncBreakerRejection(name string)
}

// Pipeline composes the gateway request path: payment gate, cache, circuit
// breaker, upstream fetch, and ledger tracking. Admission runs as router
// middleware before the pipeline is reached.
type Pipeline struct {
	catalog  *upstream.Catalog
	cache    *cache.Tiered
	breakers *breaker.Registry
	gate     *payment.Gate
	engine   *pricing.Engine
	accounts AccountReader
	recorder Recorder
	metrics  MetricsRecorder
}

// NewPipeline creates a Pipeline. accounts and recorder may be nil when no
// database is configured; metrics may be nil.
func NewPipeline(catalog *upstream.Catalog, c *cache.Tiered, breakers *breaker.Registry, gate *payment.Gate, engine *pricing.Engine) *Pipeline {
	return &Pipeline{
		catalog:  catalog,
		cache:    c,
		breakers: breakers,
		gate:     gate,
		engine:   engine,
	}
}

// SetAccounts sets the optional ledger-backed account reader.
func (p *Pipeline) SetAccounts(accounts AccountReader) {
	p.accounts = accounts
}

// SetRecorder sets the optional ledger recorder.
func (p *Pipeline) SetRecorder(recorder Recorder) {
	p.recorder = recorder
}

// SetMetrics sets the optional metrics recorder.
func (p *Pipeline) SetMetrics(m MetricsRecorder) {
	p.metrics = m
}

// paymentRequiredBody is the 402 response: a flat envelope with the error as
// a plain string plus the payment terms the caller must satisfy. This shape is
// what agent-side x402 clients parse, so it stays distinct from the nested
// envelope the other error paths use.
type paymentRequiredBody struct {
	Success bool              `json:"success"`
	Error   string            `json:"error"`
	Payment payment.Challenge `json:"payment"`
}

// ServeHTTP handles GET /api/{endpoint} through the full pipeline.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "endpoint")
	ep, ok := p.catalog.Lookup(name)
	if !ok {
		p.countRequest(name, http.StatusNotFound)
		writeError(w, http.StatusNotFound, "not_found", "unknown endpoint")
		return
	}

	agentID := admission.KeyFromRequest(r)
	tier := p.tierFor(r.Context(), agentID)
	quote := p.engine.QuoteSingle(ep.Price, tier)

	payer, ok := p.collectPayment(w, r, ep.Description, quote.FinalPrice)
	if !ok {
		p.countRequest(ep.Name, http.StatusPaymentRequired)
		return
	}

	// Encode sorts keys, so the cache key is canonical across param order.
	params := r.URL.Query()
	start := time.Now()
	payload, cached, err := p.execute(r.Context(), ep, params.Encode(), params)
	latency := time.Since(start)

	if err != nil {
		status := p.writeFetchError(w, ep, err)
		p.countRequest(ep.Name, status)
		p.track(agentID, ep, r.Method, status, latency, quote.FinalPrice, cached, false)
		return
	}

	w.Header().Set("X-Cache-Hit", fmt.Sprintf("%t", cached))
	w.Header().Set("X-Agent-Tier", string(tier))
	w.Header().Set("X-Payment-Payer", payer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)

	p.countRequest(ep.Name, http.StatusOK)
	p.track(agentID, ep, r.Method, http.StatusOK, latency, quote.FinalPrice, cached, true)
}

// tierFor resolves the agent's reputation tier, defaulting to bronze when no
// account reader is configured or the agent has no history.
func (p *Pipeline) tierFor(ctx context.Context, agentID string) pricing.Tier {
	if p.accounts == nil {
		return pricing.TierBronze
	}
	acc, err := p.accounts.Account(ctx, agentID)
	if err != nil {
		return pricing.TierBronze
	}
	return acc.Tier
}

// collectPayment enforces the payment gate. It returns the payer address and
// true when the request is paid; otherwise it writes the 402 response and
// returns false.
func (p *Pipeline) collectPayment(w http.ResponseWriter, r *http.Request, description string, amount float64) (string, bool) {
	ch := p.gate.Challenge(description, amount)

	header := r.Header.Get("X-PAYMENT")
	if header == "" {
		if p.metrics != nil {
			p.metrics.IncPaymentChallenge()
		}
		writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
			Error:   "Payment Required",
			Payment: ch,
		})
		return "", false
	}

	payer, err := p.gate.Verify(header, ch)
	if err != nil {
		reason := "invalid"
		var rej *payment.RejectedError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		if p.metrics != nil {
			p.metrics.IncPaymentVerification(reason)
		}
		writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
			Error:   err.Error(),
			Payment: ch,
		})
		return "", false
	}

	if p.metrics != nil {
		p.metrics.IncPaymentVerification("accepted")
	}
	return payer, true
}

// execute serves the request from cache or fetches upstream through the
// endpoint's circuit breaker, storing fresh payloads back into the cache.
func (p *Pipeline) execute(ctx context.Context, ep *upstream.Endpoint, cacheKey string, params url.Values) (json.RawMessage, bool, error) {
	if payload := p.cache.Get(ctx, ep.Namespace, cacheKey); payload != nil {
		if p.metrics != nil {
			p.metrics.IncCacheHit(ep.Namespace)
		}
		return payload, true, nil
	}
	if p.metrics != nil {
		p.metrics.IncCacheMiss(ep.Namespace)
	}

	var payload json.RawMessage
	start := time.Now()
	err := p.breakers.Get(ep.Name).Execute(ctx, func(ctx context.Context) error {
		var ferr error
		payload, ferr = ep.Adapter.Fetch(ctx, params)
		return ferr
	})
	if p.metrics != nil {
		p.metrics.ObserveUpstreamDuration(ep.Name, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, false, err
	}

	p.cache.Set(ctx, ep.Namespace, cacheKey, payload, ep.TTL)
	return payload, false, nil
}

// writeFetchError maps an execute failure onto the HTTP error taxonomy and
// writes the response, returning the status code used.
func (p *Pipeline) writeFetchError(w http.ResponseWriter, ep *upstream.Endpoint, err error) int {
	if errors.Is(err, breaker.ErrOpen) {
		if p.metrics != nil {
			p.metrics.IncBreakerRejection(ep.Name)
		}
		writeError(w, http.StatusServiceUnavailable, "circuit_open",
			fmt.Sprintf("service %q is temporarily unavailable", ep.Name))
		return http.StatusServiceUnavailable
	}

	var upErr *upstream.Error
	if errors.As(err, &upErr) {
		if p.metrics != nil {
			p.metrics.IncUpstreamError(upErr.Kind, ep.Name)
		}
	} else if p.metrics != nil {
		p.metrics.IncUpstreamError("other", ep.Name)
	}
	writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
	return http.StatusBadGateway
}

// track records a ledger entry for the request. Never blocks.
func (p *Pipeline) track(agentID string, ep *upstream.Endpoint, method string, status int, latency time.Duration, amount float64, cached, success bool) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(ledger.Record{
		AgentID:   agentID,
		Endpoint:  ep.Name,
		Method:    method,
		Status:    status,
		LatencyMs: latency.Milliseconds(),
		Amount:    amount,
		Cached:    cached,
		Success:   success,
	})
}

func (p *Pipeline) countRequest(endpoint string, status int) {
	if p.metrics != nil {
		p.metrics.IncGatewayRequest(endpoint, status)
	}
}
