package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the live metrics endpoint.
type Summary struct {
	Mode      string        `json:"mode"`
	HTTP      httpSummary   `json:"http"`
	Gateway   gatewayInfo   `json:"gateway"`
	Cache     cacheInfo     `json:"cache"`
	Breakers  breakerInfo   `json:"breakers"`
	Payment   paymentInfo   `json:"payment"`
	Admission admissionInfo `json:"admission"`
	DB        dbInfo        `json:"db"`
	Server    serverInfo    `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type gatewayInfo struct {
	TotalRequests  float64 `json:"totalRequests"`
	UpstreamErrors float64 `json:"upstreamErrors"`
	P50Upstream    float64 `json:"p50Upstream"`
	P95Upstream    float64 `json:"p95Upstream"`
}

type cacheInfo struct {
	Hits     float64 `json:"hits"`
	Misses   float64 `json:"misses"`
	HitRate  float64 `json:"hitRate"`
	Degraded bool    `json:"degraded"`
}

type breakerInfo struct {
	Transitions float64 `json:"transitions"`
	Rejections  float64 `json:"rejections"`
	OpenCount   float64 `json:"openCount"`
}

type paymentInfo struct {
	Challenges float64 `json:"challenges"`
	Accepted   float64 `json:"accepted"`
	Rejected   float64 `json:"rejected"`
}

type admissionInfo struct {
	Rejections float64 `json:"rejections"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	LedgerRecords float64 `json:"ledgerRecords"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	families, err := m.registry.Gather()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	hits := sumCounterWithLabel(fam["tollgate_cache_lookups_total"], "outcome", "hit")
	misses := sumCounterWithLabel(fam["tollgate_cache_lookups_total"], "outcome", "miss")
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	accepted := sumCounterWithLabel(fam["tollgate_payment_verifications_total"], "outcome", "accepted")

	summary := Summary{
		Mode: "live",
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["tollgate_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["tollgate_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["tollgate_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["tollgate_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["tollgate_http_request_duration_seconds"], 0.99),
		},
		Gateway: gatewayInfo{
			TotalRequests:  sumCounter(fam["tollgate_gateway_requests_total"]),
			UpstreamErrors: sumCounter(fam["tollgate_upstream_errors_total"]),
			P50Upstream:    histogramPercentile(fam["tollgate_upstream_duration_seconds"], 0.50),
			P95Upstream:    histogramPercentile(fam["tollgate_upstream_duration_seconds"], 0.95),
		},
		Cache: cacheInfo{
			Hits:     hits,
			Misses:   misses,
			HitRate:  hitRate,
			Degraded: gaugeValue(fam["tollgate_cache_degraded"]) > 0,
		},
		Breakers: breakerInfo{
			Transitions: sumCounter(fam["tollgate_breaker_transitions_total"]),
			Rejections:  sumCounter(fam["tollgate_breaker_rejections_total"]),
			OpenCount:   countGaugesAtValue(fam["tollgate_breaker_state"], 2),
		},
		Payment: paymentInfo{
			Challenges: counterValue(fam["tollgate_payment_challenges_total"]),
			Accepted:   accepted,
			Rejected:   sumCounter(fam["tollgate_payment_verifications_total"]) - accepted,
		},
		Admission: admissionInfo{
			Rejections: counterValue(fam["tollgate_admission_rejections_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["tollgate_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["tollgate_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["tollgate_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     gaugeValue(fam["tollgate_server_start_time_seconds"]),
			UptimeSeconds: float64(time.Now().Unix()) - gaugeValue(fam["tollgate_server_start_time_seconds"]),
			LedgerRecords: counterValue(fam["tollgate_ledger_records_total"]),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

// countGaugesAtValue counts how many series in the family currently hold the
// given value.
func countGaugesAtValue(f *dto.MetricFamily, value float64) float64 {
	if f == nil {
		return 0
	}
	var n float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil && m.GetGauge().GetValue() == value {
			n++
		}
	}
	return n
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
