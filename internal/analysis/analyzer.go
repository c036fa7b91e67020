// Package analysis implements the Coherence Ratchet: five scheduled
// anomaly-detection mechanisms over stored covenant traces. Mechanisms are
// read-only over storage; their only output is open alerts.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Detection thresholds. These mirror the published ratchet parameters; they
// are deliberately not configurable so every deployment alerts identically.
const (
	divergenceWindow    = 7 * 24 * time.Hour
	divergenceMinTraces = 10
	minAgentsPerDomain  = 3
	zWarning            = 2.0
	zCritical           = 3.0

	consistencyWindow    = 30 * 24 * time.Hour
	consistencyMinTraces = 10
	consistencyWarnStd   = 0.15
	consistencyCritStd   = 0.20

	hashChainWindow = 7 * 24 * time.Hour

	driftWindow    = 30 * 24 * time.Hour
	driftMinPerDay = 5
	driftWarning   = 0.15
	driftCritical  = 0.25

	overrideWindow    = 7 * 24 * time.Hour
	overrideMinTraces = 20
	overrideWarnRatio = 2.0
	overrideCritRatio = 3.0

	evidenceLimit = 5
)

// divergenceMetrics are the per-domain comparison axes for mechanism (a),
// and doubles as the drift metric list for mechanism (d) minus alignment.
var divergenceMetrics = []string{"csdma_plausibility", "dsdma_alignment", "coherence_level"}

var driftMetrics = []string{"coherence_level", "csdma_plausibility"}

// Analyzer runs the five mechanisms against storage.
type Analyzer struct {
	db     *storage.DB
	logger *slog.Logger
}

// New builds an analyzer.
func New(db *storage.DB, logger *slog.Logger) *Analyzer {
	return &Analyzer{db: db, logger: logger}
}

// RunAll executes every mechanism once, returning the total number of new
// alerts. Used by the manual trigger endpoint; the scheduler calls the
// individual mechanisms at their own cadence.
func (a *Analyzer) RunAll(ctx context.Context) (int64, error) {
	var total int64
	for name, run := range map[string]func(context.Context) (int64, error){
		"cross_agent_divergence":  a.RunDivergence,
		"intra_agent_consistency": a.RunConsistency,
		"hash_chain":              a.RunHashChain,
		"temporal_drift":          a.RunDrift,
		"conscience_override":     a.RunOverrides,
	} {
		n, err := run(ctx)
		if err != nil {
			return total, fmt.Errorf("analysis: %s: %w", name, err)
		}
		total += n
	}
	return total, nil
}

// RunDivergence flags agents whose domain-stratified metric means sit ≥ 2σ
// from the domain population mean.
func (a *Analyzer) RunDivergence(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var alerts []model.AnomalyAlert

	for _, metric := range divergenceMetrics {
		stats, err := a.db.DivergenceStats(ctx, metric, divergenceWindow, divergenceMinTraces)
		if err != nil {
			return 0, err
		}
		alerts = append(alerts, buildDivergenceAlerts(metric, stats, now)...)
	}

	return a.persist(ctx, alerts, divergenceWindow)
}

// RunConsistency flags agents whose behavior spread within one trace
// purpose exceeds what identical prompts should produce.
func (a *Analyzer) RunConsistency(ctx context.Context) (int64, error) {
	stats, err := a.db.ConsistencyStats(ctx, consistencyWindow, consistencyMinTraces)
	if err != nil {
		return 0, err
	}
	alerts := buildConsistencyAlerts(stats, time.Now().UTC())
	return a.persist(ctx, alerts, consistencyWindow)
}

// RunHashChain flags every audit sequence discontinuity as critical.
func (a *Analyzer) RunHashChain(ctx context.Context) (int64, error) {
	breaks, err := a.db.HashChainBreaks(ctx, hashChainWindow)
	if err != nil {
		return 0, err
	}
	alerts := buildHashChainAlerts(breaks)
	// Hash chain alerts carry the breaking trace as their own evidence;
	// skip the generic evidence attachment.
	n, err := a.db.InsertAlerts(ctx, alerts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Warn("hash chain breaks detected", "new_alerts", n)
	}
	return n, nil
}

// RunDrift flags day-over-day jumps in an agent's daily metric means.
func (a *Analyzer) RunDrift(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	var alerts []model.AnomalyAlert

	for _, metric := range driftMetrics {
		means, err := a.db.DailyMeans(ctx, metric, driftWindow, driftMinPerDay)
		if err != nil {
			return 0, err
		}
		alerts = append(alerts, buildDriftAlerts(metric, means, now)...)
	}

	return a.persist(ctx, alerts, driftWindow)
}

// RunOverrides flags agents whose conscience override rate exceeds their
// domain's baseline by 2x or more.
func (a *Analyzer) RunOverrides(ctx context.Context) (int64, error) {
	stats, err := a.db.OverrideStats(ctx, overrideWindow, overrideMinTraces)
	if err != nil {
		return 0, err
	}
	alerts := buildOverrideAlerts(stats, time.Now().UTC())
	return a.persist(ctx, alerts, overrideWindow)
}

// persist attaches evidence trace IDs and inserts. Alert IDs are
// deterministic per (mechanism, agent, metric, day), so re-running a
// mechanism within its period is idempotent while the next period re-fires
// a persisting condition as a new alert.
func (a *Analyzer) persist(ctx context.Context, alerts []model.AnomalyAlert, window time.Duration) (int64, error) {
	for i := range alerts {
		if len(alerts[i].EvidenceTraceIDs) > 0 {
			continue
		}
		ids, err := a.db.EvidenceTraceIDs(ctx, alerts[i].AgentName, window, evidenceLimit)
		if err != nil {
			a.logger.Warn("evidence lookup failed", "alert_id", alerts[i].AlertID, "error", err)
			continue
		}
		alerts[i].EvidenceTraceIDs = ids
	}

	n, err := a.db.InsertAlerts(ctx, alerts)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("coherence alerts raised", "new_alerts", n, "candidates", len(alerts))
	}
	return n, nil
}

// --- Mechanism math (pure, unit-tested) ---

func buildDivergenceAlerts(metric string, stats []storage.DomainAgentStat, now time.Time) []model.AnomalyAlert {
	byDomain := map[string][]storage.DomainAgentStat{}
	for _, s := range stats {
		byDomain[s.Domain] = append(byDomain[s.Domain], s)
	}

	var alerts []model.AnomalyAlert
	for domain, members := range byDomain {
		if len(members) < minAgentsPerDomain {
			continue
		}

		var sum float64
		for _, m := range members {
			sum += m.Mean
		}
		popMean := sum / float64(len(members))

		var varSum float64
		for _, m := range members {
			varSum += (m.Mean - popMean) * (m.Mean - popMean)
		}
		popStd := math.Sqrt(varSum / float64(len(members)))
		if popStd == 0 {
			continue
		}

		for _, m := range members {
			// Leave-one-out baseline: the agent under test is excluded from
			// the mean so an outlier cannot drag the baseline toward itself
			// and suppress its own alert.
			peerMean := (sum - m.Mean) / float64(len(members)-1)
			z := math.Abs(m.Mean-peerMean) / popStd
			severity, ok := gradeThreshold(z, zWarning, zCritical)
			if !ok {
				continue
			}
			alerts = append(alerts, model.AnomalyAlert{
				AlertID:     alertID("cross_agent_divergence", m.AgentName, domain, metric, dayKey(now)),
				AlertType:   "metric_divergence",
				Severity:    severity,
				Mechanism:   model.MechanismCrossAgentDivergence,
				AgentName:   m.AgentName,
				AgentIDHash: m.AgentIDHash,
				Domain:      domain,
				Metric:      metric,
				Value:       m.Mean,
				Baseline:    peerMean,
				Deviation:   fmt.Sprintf("z=%.2f", z),
				Timestamp:   now,
				RecommendedAction: fmt.Sprintf(
					"compare %s traces for %s against its %s-domain peers", metric, m.AgentName, domain),
			})
		}
	}
	return alerts
}

func buildConsistencyAlerts(stats []storage.ConsistencyStat, now time.Time) []model.AnomalyAlert {
	var alerts []model.AnomalyAlert
	for _, s := range stats {
		var severity model.AlertSeverity
		switch {
		case s.DistinctActions > 3 && s.CSDMAStdDev > consistencyCritStd:
			severity = model.SeverityCritical
		case s.DistinctActions > 2 && s.CSDMAStdDev > consistencyWarnStd:
			severity = model.SeverityWarning
		default:
			continue
		}
		alerts = append(alerts, model.AnomalyAlert{
			AlertID:     alertID("intra_agent_consistency", s.AgentName, s.TraceType, "csdma_plausibility", dayKey(now)),
			AlertType:   "behavioral_inconsistency",
			Severity:    severity,
			Mechanism:   model.MechanismIntraAgentConsistency,
			AgentName:   s.AgentName,
			AgentIDHash: s.AgentIDHash,
			Metric:      "csdma_plausibility",
			Value:       s.CSDMAStdDev,
			Baseline:    consistencyWarnStd,
			Deviation: fmt.Sprintf("%d distinct actions, sigma=%.3f over %s",
				s.DistinctActions, s.CSDMAStdDev, s.TraceType),
			Timestamp: now,
			RecommendedAction: fmt.Sprintf(
				"review %s traces of type %s for inconsistent action selection", s.AgentName, s.TraceType),
		})
	}
	return alerts
}

// buildHashChainAlerts emits one critical alert per agent covering all of
// that agent's sequence breaks, with the breaking traces as evidence.
func buildHashChainAlerts(breaks []storage.HashChainBreak) []model.AnomalyAlert {
	byAgent := map[string][]storage.HashChainBreak{}
	var order []string
	for _, b := range breaks {
		if _, seen := byAgent[b.AgentName]; !seen {
			order = append(order, b.AgentName)
		}
		byAgent[b.AgentName] = append(byAgent[b.AgentName], b)
	}

	alerts := make([]model.AnomalyAlert, 0, len(order))
	for _, agent := range order {
		bs := byAgent[agent]
		last := bs[len(bs)-1]
		evidence := make([]string, 0, evidenceLimit)
		for _, b := range bs {
			if len(evidence) == evidenceLimit {
				break
			}
			evidence = append(evidence, b.TraceID)
		}
		alerts = append(alerts, model.AnomalyAlert{
			// Keyed on the latest breaking sequence so a fresh break after an
			// already-alerted one raises a new alert instead of deduping away.
			AlertID:          alertID("hash_chain", agent, "", "hash_chain_integrity", fmt.Sprintf("%d", last.Seq)),
			AlertType:        "sequence_gap",
			Severity:         model.SeverityCritical,
			Mechanism:        model.MechanismHashChain,
			AgentName:        agent,
			AgentIDHash:      last.AgentIDHash,
			Metric:           "hash_chain_integrity",
			Value:            float64(len(bs)),
			Baseline:         0,
			Deviation:        breakCount(len(bs)),
			Timestamp:        last.Timestamp,
			EvidenceTraceIDs: evidence,
			RecommendedAction: fmt.Sprintf(
				"audit %s for missing or withheld traces; %d sequence breaks detected, latest at sequence %d",
				agent, len(bs), last.Seq),
		})
	}
	return alerts
}

func buildDriftAlerts(metric string, means []storage.DailyMean, now time.Time) []model.AnomalyAlert {
	var alerts []model.AnomalyAlert
	for i := 1; i < len(means); i++ {
		prev, cur := means[i-1], means[i]
		if prev.AgentName != cur.AgentName {
			continue
		}
		// Only adjacent days count; a gap in qualifying days is not drift.
		if cur.Day.Sub(prev.Day) != 24*time.Hour {
			continue
		}
		change := math.Abs(cur.Mean - prev.Mean)
		severity, ok := gradeThreshold(change, driftWarning, driftCritical)
		if !ok {
			continue
		}
		alerts = append(alerts, model.AnomalyAlert{
			AlertID:     alertID("temporal_drift", cur.AgentName, "", metric, cur.Day.Format("2006-01-02")),
			AlertType:   "temporal_drift",
			Severity:    severity,
			Mechanism:   model.MechanismTemporalDrift,
			AgentName:   cur.AgentName,
			AgentIDHash: cur.AgentIDHash,
			Metric:      metric,
			Value:       cur.Mean,
			Baseline:    prev.Mean,
			Deviation:   fmt.Sprintf("day-over-day change %.3f", change),
			Timestamp:   now,
			RecommendedAction: fmt.Sprintf(
				"inspect %s traces from %s for the cause of the %s shift",
				cur.AgentName, cur.Day.Format("2006-01-02"), metric),
		})
	}
	return alerts
}

func buildOverrideAlerts(stats []storage.OverrideStat, now time.Time) []model.AnomalyAlert {
	// Domain baseline is the pooled override rate of the agent's peers in
	// the domain, excluding the agent itself so its own spike cannot mask
	// itself.
	type domainAgg struct {
		overrides int64
		total     int64
	}
	byDomain := map[string]*domainAgg{}
	for _, s := range stats {
		agg := byDomain[s.Domain]
		if agg == nil {
			agg = &domainAgg{}
			byDomain[s.Domain] = agg
		}
		agg.overrides += s.Overrides
		agg.total += s.Total
	}

	var alerts []model.AnomalyAlert
	for _, s := range stats {
		agg := byDomain[s.Domain]
		peerTotal := agg.total - s.Total
		if peerTotal == 0 {
			// Agent is alone in its domain; no peer rate to compare to.
			continue
		}
		baseline := float64(agg.overrides-s.Overrides) / float64(peerTotal)
		rate := float64(s.Overrides) / float64(s.Total)

		var severity model.AlertSeverity
		switch {
		case baseline == 0:
			// No overrides anywhere else in the domain: any overrides at
			// all are themselves the anomaly.
			if s.Overrides == 0 {
				continue
			}
			severity = model.SeverityCritical
		case rate > overrideCritRatio*baseline:
			severity = model.SeverityCritical
		case rate > overrideWarnRatio*baseline:
			severity = model.SeverityWarning
		default:
			continue
		}

		alerts = append(alerts, model.AnomalyAlert{
			AlertID:     alertID("conscience_override", s.AgentName, s.Domain, "override_rate", dayKey(now)),
			AlertType:   "override_spike",
			Severity:    severity,
			Mechanism:   model.MechanismConscienceOverride,
			AgentName:   s.AgentName,
			AgentIDHash: s.AgentIDHash,
			Domain:      s.Domain,
			Metric:      "override_rate",
			Value:       rate,
			Baseline:    baseline,
			Deviation:   fmt.Sprintf("rate %.3f vs domain baseline %.3f", rate, baseline),
			Timestamp:   now,
			RecommendedAction: fmt.Sprintf(
				"review conscience overrides for %s in the %s domain", s.AgentName, s.Domain),
		})
	}
	return alerts
}

func breakCount(n int) string {
	if n == 1 {
		return "1 break"
	}
	return fmt.Sprintf("%d breaks", n)
}

// gradeThreshold maps a value onto warning/critical thresholds.
func gradeThreshold(v, warn, crit float64) (model.AlertSeverity, bool) {
	switch {
	case v >= crit:
		return model.SeverityCritical, true
	case v >= warn:
		return model.SeverityWarning, true
	}
	return "", false
}

// alertID derives a deterministic alert identifier so a mechanism re-run
// within the same period cannot duplicate its findings.
func alertID(mechanism, agent, domain, metric, period string) string {
	sum := sha256.Sum256([]byte(mechanism + "|" + agent + "|" + domain + "|" + metric + "|" + period))
	return hex.EncodeToString(sum[:])[:32]
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}
