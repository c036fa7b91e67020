package analysis

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

var testNow = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func divergenceDomain(domain string, means ...float64) []storage.DomainAgentStat {
	stats := make([]storage.DomainAgentStat, 0, len(means))
	for i, m := range means {
		name := fmt.Sprintf("agent-%d", i)
		stats = append(stats, storage.DomainAgentStat{
			Domain:      domain,
			AgentName:   name,
			AgentIDHash: "hash-" + name,
			Mean:        m,
			TraceCount:  50,
		})
	}
	return stats
}

func TestBuildDivergenceAlerts_FlagsOutlier(t *testing.T) {
	// Five agents at 0.9 and one at 0.3: the outlier sits ~2.68 population
	// standard deviations from its peers' mean of 0.9.
	stats := divergenceDomain("medical", 0.9, 0.9, 0.9, 0.9, 0.9, 0.3)

	alerts := buildDivergenceAlerts("csdma_plausibility", stats, testNow)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "agent-5", a.AgentName)
	assert.Equal(t, "hash-agent-5", a.AgentIDHash)
	assert.Equal(t, model.SeverityWarning, a.Severity)
	assert.Equal(t, model.MechanismCrossAgentDivergence, a.Mechanism)
	assert.Equal(t, "metric_divergence", a.AlertType)
	assert.Equal(t, "medical", a.Domain)
	assert.Equal(t, "csdma_plausibility", a.Metric)
	assert.InDelta(t, 0.3, a.Value, 1e-9)
	assert.InDelta(t, 0.9, a.Baseline, 1e-9)
}

func TestBuildDivergenceAlerts_OutlierCannotMaskItself(t *testing.T) {
	// Three agents at 0.88, 0.89, 0.45. Against the include-everyone mean of
	// 0.74 the third agent would score z=1.41 and slip through; against its
	// peers' mean of 0.885 it scores z~2.12 and is flagged.
	stats := divergenceDomain("scout", 0.88, 0.89, 0.45)

	alerts := buildDivergenceAlerts("csdma_plausibility", stats, testNow)
	require.Len(t, alerts, 1)

	a := alerts[0]
	assert.Equal(t, "agent-2", a.AgentName)
	assert.Equal(t, model.SeverityWarning, a.Severity)
	assert.InDelta(t, 0.45, a.Value, 1e-9)
	assert.InDelta(t, 0.885, a.Baseline, 1e-9)
}

func TestBuildDivergenceAlerts_CriticalAtThreeSigma(t *testing.T) {
	// Ten agents at 0.9 and one at 0.2: the outlier sits ~3.48 population
	// standard deviations from its peers' mean.
	means := []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.9, 0.2}
	alerts := buildDivergenceAlerts("coherence_level", divergenceDomain("finance", means...), testNow)

	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "agent-10", alerts[0].AgentName)
}

func TestBuildDivergenceAlerts_SkipsSmallDomains(t *testing.T) {
	alerts := buildDivergenceAlerts("coherence_level", divergenceDomain("tiny", 0.9, 0.1), testNow)
	assert.Empty(t, alerts)
}

func TestBuildDivergenceAlerts_SkipsZeroSpreadDomains(t *testing.T) {
	alerts := buildDivergenceAlerts("coherence_level", divergenceDomain("flat", 0.7, 0.7, 0.7, 0.7), testNow)
	assert.Empty(t, alerts)
}

func TestBuildConsistencyAlerts(t *testing.T) {
	cases := []struct {
		name     string
		actions  int64
		stddev   float64
		severity model.AlertSeverity
		fires    bool
	}{
		{"wide spread and high variance", 4, 0.25, model.SeverityCritical, true},
		{"moderate spread and variance", 3, 0.18, model.SeverityWarning, true},
		{"wide spread but contained variance", 4, 0.18, model.SeverityWarning, true},
		{"two actions is normal whatever the variance", 2, 0.50, "", false},
		{"many actions with tight variance", 5, 0.10, "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := []storage.ConsistencyStat{{
				AgentName:       "datum",
				AgentIDHash:     "hash-datum",
				TraceType:       "VERIFY_IDENTITY",
				DistinctActions: tc.actions,
				CSDMAStdDev:     tc.stddev,
				TraceCount:      40,
			}}
			alerts := buildConsistencyAlerts(stats, testNow)
			if !tc.fires {
				assert.Empty(t, alerts)
				return
			}
			require.Len(t, alerts, 1)
			assert.Equal(t, tc.severity, alerts[0].Severity)
			assert.Equal(t, "behavioral_inconsistency", alerts[0].AlertType)
			assert.Equal(t, model.MechanismIntraAgentConsistency, alerts[0].Mechanism)
			assert.Equal(t, "datum", alerts[0].AgentName)
		})
	}
}

func TestBuildHashChainAlerts_SingleBreak(t *testing.T) {
	breakTime := testNow.Add(-time.Hour)
	alerts := buildHashChainAlerts([]storage.HashChainBreak{{
		AgentName:   "datum",
		AgentIDHash: "hash-datum",
		PrevSeq:     41,
		Seq:         44,
		TraceID:     "trace-44",
		Timestamp:   breakTime,
	}})

	require.Len(t, alerts, 1)
	a := alerts[0]
	assert.Equal(t, model.SeverityCritical, a.Severity)
	assert.Equal(t, "sequence_gap", a.AlertType)
	assert.Equal(t, model.MechanismHashChain, a.Mechanism)
	assert.Equal(t, "hash_chain_integrity", a.Metric)
	assert.Equal(t, float64(1), a.Value)
	assert.Zero(t, a.Baseline)
	assert.Equal(t, "1 break", a.Deviation)
	assert.Equal(t, []string{"trace-44"}, a.EvidenceTraceIDs)
	assert.Equal(t, breakTime, a.Timestamp)
}

func TestBuildHashChainAlerts_GroupsBreaksPerAgent(t *testing.T) {
	chainBreak := func(agent string, prev, seq int64, hoursAgo int) storage.HashChainBreak {
		return storage.HashChainBreak{
			AgentName:   agent,
			AgentIDHash: "hash-" + agent,
			PrevSeq:     prev,
			Seq:         seq,
			TraceID:     fmt.Sprintf("%s-trace-%d", agent, seq),
			Timestamp:   testNow.Add(-time.Duration(hoursAgo) * time.Hour),
		}
	}
	alerts := buildHashChainAlerts([]storage.HashChainBreak{
		chainBreak("datum", 10, 14, 6),
		chainBreak("datum", 20, 25, 4),
		chainBreak("datum", 30, 32, 2),
		chainBreak("scout", 5, 9, 3),
	})

	require.Len(t, alerts, 2)

	datum := alerts[0]
	assert.Equal(t, "datum", datum.AgentName)
	assert.Equal(t, float64(3), datum.Value)
	assert.Equal(t, "3 breaks", datum.Deviation)
	assert.Equal(t, []string{"datum-trace-14", "datum-trace-25", "datum-trace-32"}, datum.EvidenceTraceIDs)
	assert.Equal(t, testNow.Add(-2*time.Hour), datum.Timestamp)

	scout := alerts[1]
	assert.Equal(t, "scout", scout.AgentName)
	assert.Equal(t, "1 break", scout.Deviation)

	// A later break for the same agent must mint a distinct alert ID so the
	// new finding is not deduplicated away against the earlier one.
	again := buildHashChainAlerts([]storage.HashChainBreak{
		chainBreak("datum", 10, 14, 6),
		chainBreak("datum", 20, 25, 4),
		chainBreak("datum", 30, 32, 2),
		chainBreak("datum", 40, 45, 1),
	})
	require.Len(t, again, 1)
	assert.NotEqual(t, datum.AlertID, again[0].AlertID)
}

func dailyMean(agent string, day time.Time, mean float64) storage.DailyMean {
	return storage.DailyMean{
		AgentName:   agent,
		AgentIDHash: "hash-" + agent,
		Day:         day,
		Mean:        mean,
		TraceCount:  20,
	}
}

func TestBuildDriftAlerts(t *testing.T) {
	day := func(n int) time.Time {
		return time.Date(2026, 8, n, 0, 0, 0, 0, time.UTC)
	}
	means := []storage.DailyMean{
		dailyMean("datum", day(1), 0.80),
		dailyMean("datum", day(2), 0.62), // change 0.18: warning
		dailyMean("datum", day(3), 0.90), // change 0.28: critical
		dailyMean("datum", day(5), 0.50), // day 4 missing, not adjacent
		dailyMean("scout", day(5), 0.95), // agent boundary, never compared
		dailyMean("scout", day(6), 0.90), // change 0.05: fine
	}

	alerts := buildDriftAlerts("coherence_level", means, testNow)
	require.Len(t, alerts, 2)

	assert.Equal(t, model.SeverityWarning, alerts[0].Severity)
	assert.InDelta(t, 0.62, alerts[0].Value, 1e-9)
	assert.InDelta(t, 0.80, alerts[0].Baseline, 1e-9)

	assert.Equal(t, model.SeverityCritical, alerts[1].Severity)
	assert.Equal(t, "temporal_drift", alerts[1].AlertType)
	assert.Equal(t, "datum", alerts[1].AgentName)
}

func overrideStat(agent, domain string, overrides, total int64) storage.OverrideStat {
	return storage.OverrideStat{
		AgentName:   agent,
		AgentIDHash: "hash-" + agent,
		Domain:      domain,
		Overrides:   overrides,
		Total:       total,
	}
}

func TestBuildOverrideAlerts_WarningAndCritical(t *testing.T) {
	// Peers run at 9/200 = 4.5%. An agent at 10% is a bit over 2x; one at
	// 30% is well past 3x.
	stats := []storage.OverrideStat{
		overrideStat("spiky", "general", 30, 100),
		overrideStat("quiet-a", "general", 5, 100),
		overrideStat("quiet-b", "general", 4, 100),
	}
	alerts := buildOverrideAlerts(stats, testNow)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "spiky", alerts[0].AgentName)
	assert.Equal(t, "override_spike", alerts[0].AlertType)
	assert.InDelta(t, 0.30, alerts[0].Value, 1e-9)
	assert.InDelta(t, 0.045, alerts[0].Baseline, 1e-9)

	stats[0] = overrideStat("spiky", "general", 10, 100)
	alerts = buildOverrideAlerts(stats, testNow)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityWarning, alerts[0].Severity)
}

func TestBuildOverrideAlerts_ZeroPeerBaseline(t *testing.T) {
	stats := []storage.OverrideStat{
		overrideStat("datum", "navigation", 3, 50),
		overrideStat("quiet-a", "navigation", 0, 50),
		overrideStat("quiet-b", "navigation", 0, 50),
	}
	alerts := buildOverrideAlerts(stats, testNow)
	require.Len(t, alerts, 1)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "datum", alerts[0].AgentName)
	assert.Zero(t, alerts[0].Baseline)
}

func TestBuildOverrideAlerts_LoneAgentSkipped(t *testing.T) {
	alerts := buildOverrideAlerts([]storage.OverrideStat{
		overrideStat("solo", "maritime", 40, 50),
	}, testNow)
	assert.Empty(t, alerts)
}

func TestGradeThreshold(t *testing.T) {
	sev, ok := gradeThreshold(1.9, 2, 3)
	assert.False(t, ok)
	assert.Empty(t, sev)

	sev, ok = gradeThreshold(2.0, 2, 3)
	assert.True(t, ok)
	assert.Equal(t, model.SeverityWarning, sev)

	sev, ok = gradeThreshold(3.5, 2, 3)
	assert.True(t, ok)
	assert.Equal(t, model.SeverityCritical, sev)
}

func TestAlertID_DeterministicAndDistinct(t *testing.T) {
	a := alertID("temporal_drift", "datum", "", "coherence_level", "2026-08-24")
	b := alertID("temporal_drift", "datum", "", "coherence_level", "2026-08-24")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	assert.NotEqual(t, a, alertID("temporal_drift", "datum", "", "coherence_level", "2026-08-25"))
	assert.NotEqual(t, a, alertID("temporal_drift", "scout", "", "coherence_level", "2026-08-24"))
	assert.NotEqual(t, a, alertID("hash_chain", "datum", "", "coherence_level", "2026-08-24"))
}
