package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

// ---------------------------------------------------------------------------
// Normalization
// ---------------------------------------------------------------------------

func TestNormalize_NegativeBecomesAbsent(t *testing.T) {
	obs := Observation{
		Source:      SourceClient,
		SessionID:   "s1",
		Status:      StatusUnknown,
		ClientRttMs: Ms(-5),
	}
	obs.Normalize()

	assert.Nil(t, obs.ClientRttMs, "negative RTT should become absent")
	assert.Equal(t, "s1", obs.SessionID, "other fields stay intact")
	assert.Equal(t, StatusUnknown, obs.Status)
}

func TestNormalize_NonFiniteBecomesAbsent(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"nan", math.NaN()},
		{"positive inf", math.Inf(1)},
		{"negative inf", math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := Observation{Source: SourceServer, ServerProcessingMs: Ms(tt.value)}
			obs.Normalize()
			assert.Nil(t, obs.ServerProcessingMs)
		})
	}
}

func TestNormalize_ZeroIsKept(t *testing.T) {
	obs := Observation{Source: SourceServer, GatewayUpstreamMs: Ms(0)}
	obs.Normalize()
	assert.NotNil(t, obs.GatewayUpstreamMs, "zero is a value, not absence")
	assert.Equal(t, 0.0, *obs.GatewayUpstreamMs)
}

func TestNormalize_TrimsStrings(t *testing.T) {
	obs := Observation{Source: SourceServer, SessionID: "  \t ", Reason: " no_face "}
	obs.Normalize()
	assert.Empty(t, obs.SessionID, "whitespace-only session ID becomes absent")
	assert.Equal(t, "no_face", obs.Reason)
}

func TestNormalize_UnknownStatusAndSource(t *testing.T) {
	obs := Observation{Source: "browser", Status: "maybe"}
	obs.Normalize()
	assert.Equal(t, SourceServer, obs.Source)
	assert.Empty(t, string(obs.Status))
}

// ---------------------------------------------------------------------------
// Network latency derivation
// ---------------------------------------------------------------------------

func TestNormalize_DerivesNetworkLatency(t *testing.T) {
	obs := Observation{
		Source:             SourceClient,
		ClientRttMs:        Ms(120),
		ServerProcessingMs: Ms(45),
	}
	obs.Normalize()

	assert.NotNil(t, obs.NetworkLatencyMsEst)
	assert.Equal(t, 75.0, *obs.NetworkLatencyMsEst)
}

func TestNormalize_NetworkLatencyFlooredAtZero(t *testing.T) {
	obs := Observation{
		Source:             SourceClient,
		ClientRttMs:        Ms(30),
		ServerProcessingMs: Ms(50),
	}
	obs.Normalize()

	assert.NotNil(t, obs.NetworkLatencyMsEst)
	assert.Equal(t, 0.0, *obs.NetworkLatencyMsEst, "estimate is floored, never negative")
}

func TestNormalize_NoDerivationWithoutServerProcessing(t *testing.T) {
	obs := Observation{Source: SourceClient, ClientRttMs: Ms(120)}
	obs.Normalize()
	assert.Nil(t, obs.NetworkLatencyMsEst,
		"estimate requires server processing time, RTT alone is not enough")
}
