package schema

import "github.com/CIRISAI/CIRISLens-sub000/internal/model"

// SeedDefinitions returns the built-in schema versions used to seed an
// empty registry. The same definitions ship as migration rows; this copy
// keeps ingest working before the first sync and anchors the test suite.
func SeedDefinitions() []model.SchemaDefinition {
	coreRequired := []string{
		model.EventThoughtStart,
		model.EventSnapshotAndContext,
		model.EventDMAResults,
		model.EventASPDMAResult,
		model.EventConscienceResult,
		model.EventActionResult,
	}

	return []model.SchemaDefinition{
		{
			Version:             "1.9.3",
			Description:         "Trace format with split IDMA and tool-specific action selection",
			Status:              model.SchemaCurrent,
			RequiredEventTypes:  coreRequired,
			OptionalEventTypes:  []string{model.EventIDMAResult, model.EventTSASPDMAResult},
			SignatureEventTypes: coreRequired,
			MatchMode:           "all",
			Fields:              coreFieldRules("1.9.3", true),
		},
		{
			Version:             "1.9.1",
			Description:         "1.9 format with top-level epistemic fields",
			Status:              model.SchemaSupported,
			RequiredEventTypes:  coreRequired,
			OptionalEventTypes:  []string{model.EventIDMAResult},
			SignatureEventTypes: coreRequired,
			MatchMode:           "all",
			Fields:              coreFieldRules("1.9.1", true),
		},
		{
			Version:             "1.9",
			Description:         "Updated trace format (1.9.x agents)",
			Status:              model.SchemaSupported,
			RequiredEventTypes:  coreRequired,
			OptionalEventTypes:  nil,
			SignatureEventTypes: coreRequired,
			MatchMode:           "all",
			Fields:              coreFieldRules("1.9", true),
		},
		{
			Version:             "1.8",
			Description:         "Original trace format (1.8.x agents), epistemic data nested",
			Status:              model.SchemaDeprecated,
			RequiredEventTypes:  coreRequired,
			OptionalEventTypes:  nil,
			SignatureEventTypes: coreRequired,
			MatchMode:           "all",
			Fields:              coreFieldRules("1.8", false),
		},
		{
			Version:             "connectivity",
			Description:         "Connectivity heartbeat events, unsigned",
			Status:              model.SchemaSupported,
			SignatureEventTypes: []string{model.EventConnectivity},
			MatchMode:           "any",
		},
	}
}

// coreFieldRules builds the shared rule table. topLevelEpistemic selects the
// 1.9+ layout where entropy/coherence sit at the top of CONSCIENCE_RESULT
// data; 1.8 nests them under epistemic_data.
func coreFieldRules(version string, topLevelEpistemic bool) map[string][]model.FieldExtractionRule {
	rule := func(eventType, field, path string, t model.FieldType, column string, fallbacks ...string) model.FieldExtractionRule {
		return model.FieldExtractionRule{
			SchemaVersion: version,
			EventType:     eventType,
			FieldName:     field,
			JSONPath:      path,
			DataType:      t,
			DBColumn:      column,
			FallbackPaths: fallbacks,
		}
	}

	entropyPath, coherencePath := "entropy_level", "coherence_level"
	entropyFallback := []string{"epistemic_data.entropy_level"}
	coherenceFallback := []string{"epistemic_data.coherence_level"}
	if !topLevelEpistemic {
		entropyPath, coherencePath = "epistemic_data.entropy_level", "epistemic_data.coherence_level"
		entropyFallback, coherenceFallback = nil, nil
	}

	rules := map[string][]model.FieldExtractionRule{
		model.EventThoughtStart: {
			rule(model.EventThoughtStart, "thought_type", "thought_type", model.FieldString, "thought_type"),
			rule(model.EventThoughtStart, "thought_depth", "thought_depth", model.FieldInt, "thought_depth"),
			rule(model.EventThoughtStart, "task_description", "task_description", model.FieldString, "task_description"),
		},
		model.EventSnapshotAndContext: {
			rule(model.EventSnapshotAndContext, "agent_name", "system_snapshot.agent_identity.agent_id", model.FieldString, "agent_name"),
			rule(model.EventSnapshotAndContext, "cognitive_state", "cognitive_state", model.FieldString, "cognitive_state"),
		},
		model.EventDMAResults: {
			rule(model.EventDMAResults, "csdma_plausibility", "csdma.plausibility_score", model.FieldFloat, "csdma_plausibility"),
			rule(model.EventDMAResults, "dsdma_alignment", "dsdma.domain_alignment", model.FieldFloat, "dsdma_alignment"),
			rule(model.EventDMAResults, "domain", "dsdma.domain", model.FieldString, "domain"),
			rule(model.EventDMAResults, "idma_k_eff", "idma.k_eff", model.FieldFloat, "idma_k_eff"),
			rule(model.EventDMAResults, "idma_fragility_flag", "idma.fragility_flag", model.FieldBoolean, "idma_fragility_flag"),
			rule(model.EventDMAResults, "idma_result", "idma", model.FieldJSON, "idma_result"),
		},
		model.EventASPDMAResult: {
			rule(model.EventASPDMAResult, "selected_action", "selected_action", model.FieldString, "selected_action"),
			rule(model.EventASPDMAResult, "action_rationale", "action_rationale", model.FieldString, "action_rationale"),
		},
		model.EventConscienceResult: {
			rule(model.EventConscienceResult, "conscience_passed", "conscience_passed", model.FieldBoolean, "conscience_passed"),
			rule(model.EventConscienceResult, "action_was_overridden", "action_was_overridden", model.FieldBoolean, "action_was_overridden"),
			rule(model.EventConscienceResult, "entropy_level", entropyPath, model.FieldFloat, "entropy_level", entropyFallback...),
			rule(model.EventConscienceResult, "coherence_level", coherencePath, model.FieldFloat, "coherence_level", coherenceFallback...),
			rule(model.EventConscienceResult, "entropy_passed", "entropy_passed", model.FieldBoolean, "entropy_passed", "epistemic_data.entropy_passed"),
			rule(model.EventConscienceResult, "coherence_passed", "coherence_passed", model.FieldBoolean, "coherence_passed", "epistemic_data.coherence_passed"),
			rule(model.EventConscienceResult, "optimization_veto_passed", "optimization_veto_passed", model.FieldBoolean, "optimization_veto_passed", "epistemic_data.optimization_veto_passed"),
			rule(model.EventConscienceResult, "epistemic_humility_passed", "epistemic_humility_passed", model.FieldBoolean, "epistemic_humility_passed", "epistemic_data.epistemic_humility_passed"),
			rule(model.EventConscienceResult, "has_positive_moment", "has_positive_moment", model.FieldBoolean, "has_positive_moment", "epistemic_data.has_positive_moment"),
			rule(model.EventConscienceResult, "epistemic_data", "epistemic_data", model.FieldJSON, "epistemic_data"),
		},
		model.EventActionResult: {
			rule(model.EventActionResult, "action_success", "action_success", model.FieldBoolean, "action_success", "success"),
			rule(model.EventActionResult, "tokens_total", "tokens_total", model.FieldInt, "tokens_total"),
			rule(model.EventActionResult, "cost_cents", "cost_cents", model.FieldFloat, "cost_cents"),
			rule(model.EventActionResult, "carbon_grams", "carbon_grams", model.FieldFloat, "carbon_grams"),
			rule(model.EventActionResult, "energy_mwh", "energy_mwh", model.FieldFloat, "energy_mwh"),
			rule(model.EventActionResult, "audit_sequence_number", "audit_sequence_number", model.FieldInt, "audit_sequence_number"),
			rule(model.EventActionResult, "audit_entry_hash", "audit_entry_hash", model.FieldString, "audit_entry_hash"),
			rule(model.EventActionResult, "audit_signature", "audit_signature", model.FieldString, "audit_signature"),
			rule(model.EventActionResult, "models_used", "models_used", model.FieldJSON, "models_used"),
		},
	}

	if version == "1.9.3" || version == "1.9.1" {
		rules[model.EventIDMAResult] = []model.FieldExtractionRule{
			rule(model.EventIDMAResult, "idma_k_eff", "k_eff", model.FieldFloat, "idma_k_eff"),
			rule(model.EventIDMAResult, "idma_fragility_flag", "fragility_flag", model.FieldBoolean, "idma_fragility_flag"),
			rule(model.EventIDMAResult, "idma_result", "", model.FieldJSON, "idma_result"),
		}
	}
	if version == "1.9.3" {
		rules[model.EventTSASPDMAResult] = []model.FieldExtractionRule{
			rule(model.EventTSASPDMAResult, "selected_action", "selected_action", model.FieldString, "selected_action"),
			rule(model.EventTSASPDMAResult, "action_rationale", "action_rationale", model.FieldString, "action_rationale"),
		}
	}
	return rules
}
