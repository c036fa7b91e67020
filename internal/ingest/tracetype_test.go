package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

func TestDeriveTraceType_FromTaskID(t *testing.T) {
	cases := []struct {
		taskID string
		want   string
	}{
		{"verify_identity-20260801", model.TraceTypeVerifyIdentity},
		{"VALIDATE_INTEGRITY-check", model.TraceTypeValidateIntegrity},
		{"evaluate_resilience", model.TraceTypeEvaluateResilience},
		{"accept_incompleteness-1", model.TraceTypeAcceptIncompleteness},
		{"EXPRESS_GRATITUDE", model.TraceTypeExpressGratitude},
		{"task-8842", model.TraceTypeStandard},
		{"", model.TraceTypeStandard},
	}
	for _, tc := range cases {
		got := DeriveTraceType(&model.CovenantTrace{TaskID: tc.taskID})
		assert.Equal(t, tc.want, got, "task_id %q", tc.taskID)
	}
}

func TestDeriveTraceType_FromTaskDescription(t *testing.T) {
	cases := []struct {
		desc string
		want string
	}{
		{"VERIFY the agent's ledger", model.TraceTypeVerifyIdentity},
		{"confirm my identity remains stable", model.TraceTypeVerifyIdentity},
		{"VALIDATE the hash chain", model.TraceTypeValidateIntegrity},
		{"check integrity of recent entries", model.TraceTypeValidateIntegrity},
		{"assess RESILIENCE under load", model.TraceTypeEvaluateResilience},
		{"acknowledge INCOMPLETENESS of knowledge", model.TraceTypeAcceptIncompleteness},
		{"express GRATITUDE to operators", model.TraceTypeExpressGratitude},
		{"summarize the weather report", model.TraceTypeStandard},
	}
	for _, tc := range cases {
		trace := &model.CovenantTrace{
			TaskID: "task-001",
			Components: []model.TraceComponent{
				{EventType: model.EventThoughtStart, Data: map[string]any{"task_description": tc.desc}},
			},
		}
		assert.Equal(t, tc.want, DeriveTraceType(trace), "description %q", tc.desc)
	}
}

func TestDeriveTraceType_TaskIDWinsOverDescription(t *testing.T) {
	trace := &model.CovenantTrace{
		TaskID: "EXPRESS_GRATITUDE-42",
		Components: []model.TraceComponent{
			{EventType: model.EventThoughtStart, Data: map[string]any{"task_description": "check integrity"}},
		},
	}
	assert.Equal(t, model.TraceTypeExpressGratitude, DeriveTraceType(trace))
}
