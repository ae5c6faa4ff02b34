package gateway

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/averitt/tollgate/internal/admission"
	"github.com/averitt/tollgate/internal/ledger"
	"github.com/averitt/tollgate/internal/pricing"
)

// maxBatchCalls caps the number of calls accepted in one batch request.
const maxBatchCalls = 50

type batchCall struct {
	Endpoint string            `json:"endpoint"`
	Params   map[string]string `json:"params,omitempty"`
}

type batchRequest struct {
	Calls []batchCall `json:"calls"`
}

type batchCallResult struct {
	Endpoint string          `json:"endpoint"`
	Data     json.RawMessage `json:"data,omitempty"`
	Cached   bool            `json:"cached"`
	Error    *errorDetail    `json:"error,omitempty"`
}

type batchResponse struct {
	Quote   pricing.Quote     `json:"quote"`
	Tier    pricing.Tier      `json:"tier"`
	Results []batchCallResult `json:"results"`
}

// HandleBatch prices a set of calls as one batch, collects a single payment
// for the discounted total, and executes every call through the pipeline.
func (p *Pipeline) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Calls) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "calls must not be empty")
		return
	}
	if len(req.Calls) > maxBatchCalls {
		writeError(w, http.StatusBadRequest, "bad_request", "too many calls in batch")
		return
	}

	// Resolve every endpoint before charging anything.
	calls := make([]pricing.Call, len(req.Calls))
	for i, c := range req.Calls {
		ep, ok := p.catalog.Lookup(c.Endpoint)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown endpoint "+c.Endpoint)
			return
		}
		calls[i] = pricing.Call{Endpoint: ep.Name, BasePrice: ep.Price}
	}

	agentID := admission.KeyFromRequest(r)
	tier := p.tierFor(r.Context(), agentID)
	quote := p.engine.Quote(calls, tier)

	if _, ok := p.collectPayment(w, r, "Batch request", quote.FinalPrice); !ok {
		return
	}

	perCall := quote.FinalPrice / float64(len(req.Calls))
	results := make([]batchCallResult, len(req.Calls))
	for i, c := range req.Calls {
		ep, _ := p.catalog.Lookup(c.Endpoint)

		params := url.Values{}
		for k, v := range c.Params {
			params.Set(k, v)
		}

		start := time.Now()
		payload, cached, err := p.execute(r.Context(), ep, params.Encode(), params)
		latency := time.Since(start)

		res := batchCallResult{Endpoint: ep.Name, Cached: cached}
		status := http.StatusOK
		if err != nil {
			status = http.StatusBadGateway
			res.Error = &errorDetail{Code: "upstream_error", Message: err.Error()}
		} else {
			res.Data = payload
		}
		results[i] = res

		if p.recorder != nil {
			p.recorder.Record(ledger.Record{
				AgentID:   agentID,
				Endpoint:  ep.Name,
				Method:    r.Method,
				Status:    status,
				LatencyMs: latency.Milliseconds(),
				Amount:    perCall,
				Cached:    cached,
				Success:   err == nil,
			})
		}
	}

	writeJSON(w, http.StatusOK, batchResponse{
		Quote:   quote,
		Tier:    tier,
		Results: results,
	})
}

// HandleBatchQuote prices a batch without collecting payment or executing.
func (p *Pipeline) HandleBatchQuote(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if len(req.Calls) == 0 || len(req.Calls) > maxBatchCalls {
		writeError(w, http.StatusBadRequest, "bad_request", "calls must contain between 1 and 50 entries")
		return
	}

	calls := make([]pricing.Call, len(req.Calls))
	for i, c := range req.Calls {
		ep, ok := p.catalog.Lookup(c.Endpoint)
		if !ok {
			writeError(w, http.StatusBadRequest, "bad_request", "unknown endpoint "+c.Endpoint)
			return
		}
		calls[i] = pricing.Call{Endpoint: ep.Name, BasePrice: ep.Price}
	}

	tier := p.tierFor(r.Context(), admission.KeyFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"quote": p.engine.Quote(calls, tier),
		"tier":  tier,
	})
}
