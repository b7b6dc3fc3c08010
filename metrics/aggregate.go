package metrics

import (
	"math"
	"sort"
)

// TimingStats describes one timing field across all events that carry
// it. Pointer fields are nil when no event carried the field: absent,
// not zero.
type TimingStats struct {
	Count    int      `json:"count"`
	MeanMs   *float64 `json:"mean_ms,omitempty"`
	MinMs    *float64 `json:"min_ms,omitempty"`
	MaxMs    *float64 `json:"max_ms,omitempty"`
	LatestMs *float64 `json:"latest_ms,omitempty"`
}

// GlobalStats summarizes the whole window independent of session grouping.
type GlobalStats struct {
	ServerEventCount int         `json:"server_event_count"`
	ServerProcessing TimingStats `json:"server_processing_ms"`
	GatewayUpstream  TimingStats `json:"gateway_upstream_ms"`
	ClientRtt        TimingStats `json:"client_rtt_ms"`
	NetworkLatency   TimingStats `json:"network_latency_ms_est"`
}

// BreakdownRow is one (status, reason) bucket of server-sourced events.
type BreakdownRow struct {
	Status Status `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
	Count  int    `json:"count"`
}

// SessionSummary is the read-time projection of one recognition
// attempt funnel. Sessions are never materialized; this is computed
// from the flat event log on every read.
type SessionSummary struct {
	SessionID            string   `json:"session_id"`
	AttemptCount         int      `json:"attempt_count"`
	Success              bool     `json:"success"`
	AttemptsUntilSuccess *int     `json:"attempts_until_success,omitempty"`
	FirstSuccessTimeMs   *float64 `json:"first_success_time_ms,omitempty"`

	AvgServerProcessingMs *float64 `json:"avg_server_processing_ms,omitempty"`
	AvgGatewayUpstreamMs  *float64 `json:"avg_gateway_upstream_ms,omitempty"`
	AvgClientRttMs        *float64 `json:"avg_client_rtt_ms,omitempty"`
	AvgNetworkLatencyMs   *float64 `json:"avg_network_latency_ms_est,omitempty"`

	FinalStatus Status `json:"final_status,omitempty"`
	FinalReason string `json:"final_reason,omitempty"`
}

// FunnelStats aggregates over the per-session summaries.
type FunnelStats struct {
	SessionCount int `json:"session_count"`
	SuccessCount int `json:"success_count"`
	// SuccessRate is 0 when there are no sessions, never NaN.
	SuccessRate             float64  `json:"success_rate"`
	AvgAttemptsUntilSuccess *float64 `json:"avg_attempts_until_success,omitempty"`
	P50FirstSuccessMs       *float64 `json:"p50_first_success_ms,omitempty"`
	P90FirstSuccessMs       *float64 `json:"p90_first_success_ms,omitempty"`
	AvgAttemptLatencyMs     *float64 `json:"avg_attempt_latency_ms,omitempty"`
}

// Summary is the full aggregation result for one window.
type Summary struct {
	Global    GlobalStats      `json:"global"`
	Breakdown []BreakdownRow   `json:"breakdown"`
	Sessions  []SessionSummary `json:"sessions"`
	Funnel    FunnelStats      `json:"funnel"`
}

// timingAcc accumulates one timing field.
type timingAcc struct {
	count                 int
	sum, min, max, latest float64
}

func (a *timingAcc) add(v float64) {
	if a.count == 0 || v < a.min {
		a.min = v
	}
	if a.count == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.latest = v
	a.count++
}

func (a *timingAcc) stats() TimingStats {
	if a.count == 0 {
		return TimingStats{}
	}
	return TimingStats{
		Count:    a.count,
		MeanMs:   round2p(a.sum / float64(a.count)),
		MinMs:    round2p(a.min),
		MaxMs:    round2p(a.max),
		LatestMs: round2p(a.latest),
	}
}

func (a *timingAcc) mean() *float64 {
	if a.count == 0 {
		return nil
	}
	return round2p(a.sum / float64(a.count))
}

type sessionAcc struct {
	id         string
	attempts   int
	successAt  int // 1-based ordinal of first found, 0 = none
	firstSeen  Event
	firstFound Event
	last       Event

	serverProc timingAcc
	upstream   timingAcc
	clientRtt  timingAcc
	netLatency timingAcc
}

// Summarize reconstructs the window's statistics from a flat,
// insertion-ordered event slice. Server-sourced events drive the
// breakdown and funnel; client-sourced events only contribute their
// round-trip averages, merged in by session ID.
func Summarize(events []Event) *Summary {
	s := &Summary{
		Breakdown: []BreakdownRow{},
		Sessions:  []SessionSummary{},
	}

	var (
		global     GlobalStats
		serverProc timingAcc
		upstream   timingAcc
		clientRtt  timingAcc
		netLatency timingAcc

		breakdown = make(map[[2]string]int)
		groups    = make(map[string]*sessionAcc)
		order     []string
	)

	for _, evt := range events {
		if evt.ServerProcessingMs != nil {
			serverProc.add(*evt.ServerProcessingMs)
		}
		if evt.GatewayUpstreamMs != nil {
			upstream.add(*evt.GatewayUpstreamMs)
		}
		if evt.ClientRttMs != nil {
			clientRtt.add(*evt.ClientRttMs)
		}
		if evt.NetworkLatencyMsEst != nil {
			netLatency.add(*evt.NetworkLatencyMsEst)
		}

		if evt.Source == SourceServer {
			global.ServerEventCount++
			breakdown[[2]string{string(evt.Status), evt.Reason}]++
		}

		if evt.SessionID == "" {
			continue
		}
		g, ok := groups[evt.SessionID]
		if evt.Source == SourceServer {
			if !ok {
				g = &sessionAcc{id: evt.SessionID}
				groups[evt.SessionID] = g
			}
			// A group enters the funnel on its first server-sourced
			// attempt, even if client reports arrived earlier.
			if g.attempts == 0 {
				g.firstSeen = evt
				order = append(order, evt.SessionID)
			}
			g.attempts++
			g.last = evt
			if evt.Status == StatusFound && g.successAt == 0 {
				g.successAt = g.attempts
				g.firstFound = evt
			}
			if evt.ServerProcessingMs != nil {
				g.serverProc.add(*evt.ServerProcessingMs)
			}
			if evt.GatewayUpstreamMs != nil {
				g.upstream.add(*evt.GatewayUpstreamMs)
			}
			continue
		}
		// Client vantage: merged in only when the session has (or will
		// have) server-sourced attempts; buffer it either way.
		if !ok {
			g = &sessionAcc{id: evt.SessionID}
			groups[evt.SessionID] = g
		}
		if evt.ClientRttMs != nil {
			g.clientRtt.add(*evt.ClientRttMs)
		}
		if evt.NetworkLatencyMsEst != nil {
			g.netLatency.add(*evt.NetworkLatencyMsEst)
		}
	}

	global.ServerProcessing = serverProc.stats()
	global.GatewayUpstream = upstream.stats()
	global.ClientRtt = clientRtt.stats()
	global.NetworkLatency = netLatency.stats()
	s.Global = global

	for key, count := range breakdown {
		s.Breakdown = append(s.Breakdown, BreakdownRow{
			Status: Status(key[0]),
			Reason: key[1],
			Count:  count,
		})
	}
	sort.Slice(s.Breakdown, func(i, j int) bool {
		a, b := s.Breakdown[i], s.Breakdown[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		return a.Reason < b.Reason
	})

	var (
		funnel          FunnelStats
		attemptsSum     float64
		firstSuccessMs  []float64
		sessionLatency  timingAcc
		successSessions int
	)
	for _, id := range order {
		g := groups[id]
		sum := SessionSummary{
			SessionID:             g.id,
			AttemptCount:          g.attempts,
			Success:               g.successAt > 0,
			AvgServerProcessingMs: g.serverProc.mean(),
			AvgGatewayUpstreamMs:  g.upstream.mean(),
			AvgClientRttMs:        g.clientRtt.mean(),
			AvgNetworkLatencyMs:   g.netLatency.mean(),
			FinalStatus:           g.last.Status,
			FinalReason:           g.last.Reason,
		}
		if g.successAt > 0 {
			at := g.successAt
			sum.AttemptsUntilSuccess = &at
			elapsed := float64(g.firstFound.CreatedAt.Sub(g.firstSeen.CreatedAt).Microseconds()) / 1000
			sum.FirstSuccessTimeMs = round2p(elapsed)
			attemptsSum += float64(at)
			firstSuccessMs = append(firstSuccessMs, elapsed)
			successSessions++
		}
		// Attempt latency prefers the gateway-observed upstream time and
		// falls back to the face service's own processing time.
		if m := perSessionLatency(g); m != nil {
			sessionLatency.add(*m)
		}
		s.Sessions = append(s.Sessions, sum)
	}

	funnel.SessionCount = len(order)
	funnel.SuccessCount = successSessions
	if len(order) > 0 {
		funnel.SuccessRate = round2(float64(successSessions) / float64(len(order)))
	}
	if successSessions > 0 {
		funnel.AvgAttemptsUntilSuccess = round2p(attemptsSum / float64(successSessions))
		sort.Float64s(firstSuccessMs)
		funnel.P50FirstSuccessMs = round2p(nearestRank(firstSuccessMs, 50))
		funnel.P90FirstSuccessMs = round2p(nearestRank(firstSuccessMs, 90))
	}
	funnel.AvgAttemptLatencyMs = sessionLatency.mean()
	s.Funnel = funnel

	return s
}

func perSessionLatency(g *sessionAcc) *float64 {
	if g.upstream.count > 0 {
		return g.upstream.mean()
	}
	return g.serverProc.mean()
}

// nearestRank returns the p-th percentile of a sorted sample: the
// value at index ceil(p/100 * n) - 1, clamped to valid bounds.
func nearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round2p(v float64) *float64 {
	r := round2(v)
	return &r
}
