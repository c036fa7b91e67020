package server

import (
	"net/http"
	"time"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// defaultAlertThreshold flags agents whose composite falls into the fragile
// bucket by default.
const defaultAlertThreshold = 0.3

// HandleScoringFleet handles GET /scoring/capacity/fleet?window_days=N.
func (h *Handlers) HandleScoringFleet(w http.ResponseWriter, r *http.Request) {
	windowDays := queryInt(r, "window_days", 0)
	scores, err := h.engine.Fleet(r.Context(), windowDays)
	if err != nil {
		h.writeInternalError(w, r, "failed to score fleet", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"agents":      scores,
		"agent_count": len(scores),
		"computed_at": time.Now().UTC(),
	})
}

// HandleScoringCapacity handles GET /scoring/capacity/{agent_name}.
// An agent with no traces in the window reads as not found.
func (h *Handlers) HandleScoringCapacity(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent_name")
	windowDays := queryInt(r, "window_days", 0)

	score, err := h.engine.Score(r.Context(), agent, windowDays, time.Now().UTC())
	if err != nil {
		h.writeInternalError(w, r, "failed to score agent", err)
		return
	}
	if score.TotalTraces == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
			"no traces for agent in window")
		return
	}
	writeJSON(w, r, http.StatusOK, score)
}

// factorFormulas is returned alongside per-factor scores so consumers can
// interpret the components without reading the code.
var factorFormulas = map[string]string{
	"core_identity":            "C = exp(-lambda_C * D_identity) * exp(-mu_C * K_contradiction)",
	"integrity":                "I_int = I_chain * I_coverage * I_replay",
	"resilience":               "R = sigmoid((1 - delta_drift) * (1 / (1 + MTTR/24)) * (1 - rho), k, x0)",
	"incompleteness_awareness": "I_inc = (1 - ECE) * Q_deferral * (1 - U_unsafe)",
	"sustained_coherence":      "S = min(1, S_base * (1 + w_pm*P_pos) * (1 + w_ef*P_fac))",
	"composite":                "psi = C * max(I_int, 0.1) * R * I_inc * S",
}

// HandleScoringFactors handles GET /scoring/factors/{agent_name}: the factor
// breakdown with formulas and the weakest factor named.
func (h *Handlers) HandleScoringFactors(w http.ResponseWriter, r *http.Request) {
	agent := r.PathValue("agent_name")
	windowDays := queryInt(r, "window_days", 0)

	score, err := h.engine.Score(r.Context(), agent, windowDays, time.Now().UTC())
	if err != nil {
		h.writeInternalError(w, r, "failed to score agent", err)
		return
	}
	if score.TotalTraces == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
			"no traces for agent in window")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{
		"agent_name":   score.AgentName,
		"window_start": score.WindowStart,
		"window_end":   score.WindowEnd,
		"total_traces": score.TotalTraces,
		"factors": map[string]model.FactorScore{
			"core_identity":            score.CoreIdentity,
			"integrity":                score.Integrity,
			"resilience":               score.Resilience,
			"incompleteness_awareness": score.Incompleteness,
			"sustained_coherence":      score.Sustained,
		},
		"formulas":        factorFormulas,
		"composite_score": score.CompositeScore,
		"fragility_index": score.FragilityIndex,
		"weakest_factor":  score.WeakestFactor(),
	})
}

// HandleScoringAlerts handles GET /scoring/alerts?threshold=X: agents whose
// composite falls below the threshold, weakest first.
func (h *Handlers) HandleScoringAlerts(w http.ResponseWriter, r *http.Request) {
	threshold := queryFloat(r, "threshold", defaultAlertThreshold)
	if threshold <= 0 || threshold > 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"threshold must be in (0, 1]")
		return
	}
	windowDays := queryInt(r, "window_days", 0)

	scores, err := h.engine.Alerts(r.Context(), threshold, windowDays)
	if err != nil {
		h.writeInternalError(w, r, "failed to compute scoring alerts", err)
		return
	}

	type alert struct {
		model.CapacityScore
		WeakestFactor string `json:"weakest_factor"`
	}
	alerts := make([]alert, 0, len(scores))
	for _, s := range scores {
		alerts = append(alerts, alert{CapacityScore: s, WeakestFactor: s.WeakestFactor()})
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"threshold": threshold,
		"alerts":    alerts,
		"count":     len(alerts),
	})
}

// HandleScoringParameters handles GET /scoring/parameters: the active
// constants, so published scores are reproducible.
func (h *Handlers) HandleScoringParameters(w http.ResponseWriter, r *http.Request) {
	p := h.engine.Params()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"lambda_c":               p.LambdaC,
		"mu_c":                   p.MuC,
		"decay_rate":             p.DecayRate,
		"signal_weight":          p.SignalWeight,
		"positive_moment_weight": p.PositiveMomentWeight,
		"ethical_faculty_weight": p.EthicalFacultyWeight,
		"sigmoid_k":              p.SigmoidK,
		"sigmoid_x0":             p.SigmoidX0,
		"min_traces":             p.MinTraces,
		"window_days":            p.WindowDays,
		"baseline_window_days":   p.BaselineWindowDays,
		"coherence_window_days":  p.CoherenceWindowDays,
		"replay_stub":            p.ReplayStub,
		"formulas":               factorFormulas,
	})
}
