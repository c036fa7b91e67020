package ingest

import (
	"strings"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// DeriveTraceType classifies a trace by the covenant purpose embedded in
// its task identity. The task_id is authoritative when it names a purpose
// outright; otherwise the THOUGHT_START task description is scanned for
// purpose keywords. Everything else is STANDARD.
func DeriveTraceType(trace *model.CovenantTrace) string {
	taskID := strings.ToUpper(trace.TaskID)
	switch {
	case strings.Contains(taskID, model.TraceTypeVerifyIdentity):
		return model.TraceTypeVerifyIdentity
	case strings.Contains(taskID, model.TraceTypeValidateIntegrity):
		return model.TraceTypeValidateIntegrity
	case strings.Contains(taskID, model.TraceTypeEvaluateResilience):
		return model.TraceTypeEvaluateResilience
	case strings.Contains(taskID, model.TraceTypeAcceptIncompleteness):
		return model.TraceTypeAcceptIncompleteness
	case strings.Contains(taskID, model.TraceTypeExpressGratitude):
		return model.TraceTypeExpressGratitude
	}

	desc := thoughtStartDescription(trace)
	if desc == "" {
		return model.TraceTypeStandard
	}
	upper := strings.ToUpper(desc)
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(upper, "VERIFY") || strings.Contains(lower, "identity"):
		return model.TraceTypeVerifyIdentity
	case strings.Contains(upper, "VALIDATE") || strings.Contains(lower, "integrity"):
		return model.TraceTypeValidateIntegrity
	case strings.Contains(upper, "RESILIENCE"):
		return model.TraceTypeEvaluateResilience
	case strings.Contains(upper, "INCOMPLETENESS"):
		return model.TraceTypeAcceptIncompleteness
	case strings.Contains(upper, "GRATITUDE"):
		return model.TraceTypeExpressGratitude
	}
	return model.TraceTypeStandard
}

func thoughtStartDescription(trace *model.CovenantTrace) string {
	for _, comp := range trace.Components {
		if comp.EventType != model.EventThoughtStart {
			continue
		}
		if desc, ok := comp.Data["task_description"].(string); ok {
			return desc
		}
	}
	return ""
}
