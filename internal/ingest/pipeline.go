package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
	"github.com/CIRISAI/CIRISLens-sub000/internal/schema"
	"github.com/CIRISAI/CIRISLens-sub000/internal/storage"
)

// Ingestor runs the per-trace pipeline: decode, schema-validate, verify
// signature, extract columns, and hand the row to the buffer. Failures are
// per-trace; one bad trace never sinks its batch.
type Ingestor struct {
	db     *storage.DB
	parser *schema.Parser
	keys   *KeyRing
	buffer *Buffer
	logger *slog.Logger
}

// NewIngestor wires the pipeline stages together.
func NewIngestor(db *storage.DB, parser *schema.Parser, keys *KeyRing, buffer *Buffer, logger *slog.Logger) *Ingestor {
	return &Ingestor{db: db, parser: parser, keys: keys, buffer: buffer, logger: logger}
}

// IngestBatch processes one events envelope. sourceIP is recorded on
// malformed-trace rows only; it never reaches covenant_traces.
func (in *Ingestor) IngestBatch(ctx context.Context, req *model.EventsRequest, sourceIP string) *model.EventsResponse {
	resp := &model.EventsResponse{
		Status:         "ok",
		Received:       len(req.Events),
		RejectedTraces: []string{},
		Errors:         []string{},
	}

	for i := range req.Events {
		event := &req.Events[i]
		stored, rejectErr := in.ingestOne(ctx, event, req.TraceLevel, sourceIP)
		if rejectErr != nil {
			resp.Rejected++
			if stored != nil && stored.TraceID != "" {
				resp.RejectedTraces = append(resp.RejectedTraces, stored.TraceID)
			}
			resp.Errors = append(resp.Errors, rejectErr.Error())
			continue
		}
		in.buffer.Add(*stored)
		resp.Accepted++
	}

	if resp.Rejected > 0 {
		resp.Status = "partial"
	}
	return resp
}

// ingestOne runs the pipeline for a single trace. On rejection it returns
// a partially populated StoredTrace (for the trace_id) and the reason.
func (in *Ingestor) ingestOne(ctx context.Context, event *model.TraceEvent, batchLevel, sourceIP string) (*model.StoredTrace, error) {
	if len(event.Trace) == 0 {
		return nil, errors.New("event has no trace payload")
	}

	// Two decodes of the same bytes: the typed form drives validation and
	// extraction, the UseNumber form preserves numeric literals for the
	// signature message and payload digest.
	var trace model.CovenantTrace
	if err := json.Unmarshal(event.Trace, &trace); err != nil {
		in.recordMalformed(ctx, nil, nil, sourceIP,
			fmt.Sprintf("trace JSON malformed: %v", err), nil, nil)
		return nil, fmt.Errorf("trace JSON malformed: %w", err)
	}

	rawMap, err := decodeRaw(event.Trace)
	if err != nil {
		in.recordMalformed(ctx, &trace, nil, sourceIP,
			fmt.Sprintf("trace JSON malformed: %v", err), nil, nil)
		return &model.StoredTrace{TraceID: trace.TraceID}, fmt.Errorf("trace JSON malformed: %w", err)
	}

	digest, size, err := PayloadDigest(rawMap)
	if err != nil {
		return &model.StoredTrace{TraceID: trace.TraceID}, fmt.Errorf("hash payload: %w", err)
	}

	parsed, err := in.parser.Parse(&trace)
	if err != nil {
		var verr *schema.ValidationError
		reason := err.Error()
		if errors.As(err, &verr) {
			in.recordMalformed(ctx, &trace, rawMap, sourceIP, reason, verr.Errors, verr.DetectedEventTypes)
			reason = verr.Reason.Error()
		}
		return &model.StoredTrace{TraceID: trace.TraceID}, fmt.Errorf("%s: %s", trace.TraceID, reason)
	}

	verified := false
	if parsed.Connectivity {
		// Connectivity heartbeats are unsigned liveness pings.
	} else {
		message, err := componentsMessage(rawMap)
		if err != nil {
			return &model.StoredTrace{TraceID: trace.TraceID}, fmt.Errorf("canonicalize components: %w", err)
		}
		switch err := in.keys.Verify(trace.SignatureKeyID, trace.Signature, message); {
		case err == nil:
			verified = true
		case errors.Is(err, ErrUnknownKey):
			// Stored unverified; the reverification worker retries once the
			// key is registered.
			in.logger.Debug("trace signed by unknown key",
				"trace_id", trace.TraceID, "key_id", trace.SignatureKeyID)
		default:
			in.recordMalformed(ctx, &trace, rawMap, sourceIP,
				fmt.Sprintf("invalid signature: %v", err), nil, parsed.EventTypes)
			return &model.StoredTrace{TraceID: trace.TraceID}, fmt.Errorf("%s: invalid signature", trace.TraceID)
		}
	}

	stored := in.buildStored(&trace, parsed, event.Trace, digest, size, batchLevel)
	stored.SignatureVerified = verified
	return stored, nil
}

// buildStored assembles the covenant_traces row from the wire trace and
// the schema-extracted columns.
func (in *Ingestor) buildStored(trace *model.CovenantTrace, parsed *schema.ParsedTrace, raw []byte, digest string, _ int, batchLevel string) *model.StoredTrace {
	now := time.Now().UTC()

	ts := now
	switch {
	case trace.CompletedAt != nil:
		ts = trace.CompletedAt.UTC()
	case trace.StartedAt != nil:
		ts = trace.StartedAt.UTC()
	}

	level := trace.TraceLevel
	if level == "" {
		level = batchLevel
	}

	stored := &model.StoredTrace{
		TraceID:        trace.TraceID,
		Timestamp:      ts,
		AgentIDHash:    trace.AgentIDHash,
		AgentName:      trace.AgentName,
		SchemaVersion:  parsed.SchemaVersion,
		TraceType:      DeriveTraceType(trace),
		TaskID:         trace.TaskID,
		ThoughtID:      trace.ThoughtID,
		SignatureKeyID: trace.SignatureKeyID,
		Signature:      trace.Signature,
		PayloadSHA256:  digest,
		PublicSample:   trace.PublicSample,
		TraceLevel:     level,
		RawTrace:       bytes.Clone(raw),
		IngestedAt:     now,
		StartedAt:      trace.StartedAt,
		CompletedAt:    trace.CompletedAt,
	}

	for column, value := range parsed.Columns {
		applyColumn(stored, column, value)
	}
	if len(parsed.Warnings) > 0 {
		in.logger.Debug("trace parsed with warnings",
			"trace_id", trace.TraceID, "schema", parsed.SchemaVersion, "warnings", parsed.Warnings)
	}
	return stored
}

// applyColumn maps an extracted db_column value onto the stored row.
// Unknown columns (e.g. task_description, used only for trace typing) are
// ignored.
func applyColumn(t *model.StoredTrace, column string, v any) {
	switch column {
	case "agent_name":
		if s, ok := v.(string); ok && t.AgentName == "" {
			t.AgentName = s
		}
	case "domain":
		if s, ok := v.(string); ok {
			t.Domain = s
		}
	case "thought_type":
		t.ThoughtType = asStringPtr(v)
	case "thought_depth":
		t.ThoughtDepth = asIntPtr(v)
	case "cognitive_state":
		t.CognitiveState = asStringPtr(v)
	case "csdma_plausibility":
		t.CSDMAPlausibility = asFloatPtr(v)
	case "dsdma_alignment":
		t.DSDMAAlignment = asFloatPtr(v)
	case "idma_k_eff":
		t.IDMAKEff = asFloatPtr(v)
	case "idma_fragility_flag":
		t.IDMAFragility = asBoolPtr(v)
	case "idma_result":
		t.IDMAResult = asRaw(v)
	case "epistemic_data":
		t.EpistemicData = asRaw(v)
	case "models_used":
		t.ModelsUsed = asRaw(v)
	case "selected_action":
		t.SelectedAction = asStringPtr(v)
	case "action_rationale":
		t.ActionRationale = asStringPtr(v)
	case "conscience_passed":
		t.ConsciencePassed = asBoolPtr(v)
	case "action_was_overridden":
		t.ActionOverridden = asBoolPtr(v)
	case "entropy_level":
		t.EntropyLevel = asFloatPtr(v)
	case "coherence_level":
		t.CoherenceLevel = asFloatPtr(v)
	case "entropy_passed":
		t.EntropyPassed = asBoolPtr(v)
	case "coherence_passed":
		t.CoherencePassed = asBoolPtr(v)
	case "optimization_veto_passed":
		t.OptVetoPassed = asBoolPtr(v)
	case "epistemic_humility_passed":
		t.HumilityPassed = asBoolPtr(v)
	case "has_positive_moment":
		t.HasPositiveMoment = asBoolPtr(v)
	case "action_success":
		t.ActionSuccess = asBoolPtr(v)
	case "tokens_total":
		t.TokensTotal = asInt64Ptr(v)
	case "cost_cents":
		t.CostCents = asFloatPtr(v)
	case "carbon_grams":
		t.CarbonGrams = asFloatPtr(v)
	case "energy_mwh":
		t.EnergyMWh = asFloatPtr(v)
	case "audit_sequence_number":
		t.AuditSequence = asInt64Ptr(v)
	case "audit_entry_hash":
		t.AuditEntryHash = asStringPtr(v)
	case "audit_signature":
		t.AuditSignature = asStringPtr(v)
	}
}

// recordMalformed quarantines metadata about a rejected payload. The body
// itself is reduced to a hash and a size; it is never persisted.
func (in *Ingestor) recordMalformed(ctx context.Context, trace *model.CovenantTrace, rawMap map[string]any, sourceIP, reason string, validationErrors, eventTypes []string) {
	rec := model.MalformedTraceRecord{
		RecordID:           uuid.NewString(),
		Timestamp:          time.Now().UTC(),
		DetectedEventTypes: eventTypes,
		ValidationErrors:   validationErrors,
		RejectionReason:    reason,
		Severity:           malformationSeverity(reason, validationErrors),
	}
	if sourceIP != "" {
		rec.SourceIP = &sourceIP
	}
	if rawMap != nil {
		if digest, size, err := PayloadDigest(rawMap); err == nil {
			rec.PayloadSHA256 = digest
			rec.PayloadSizeBytes = size
		}
	}
	if trace != nil {
		if trace.TraceID != "" {
			id := trace.TraceID
			rec.TraceID = &id
		}
		if trace.ThoughtID != "" {
			tid := trace.ThoughtID
			rec.ClaimedThoughtID = &tid
		}
		if trace.TaskID != "" {
			tid := trace.TaskID
			rec.ClaimedTaskID = &tid
		}
		rec.ComponentCount = len(trace.Components)
		rec.HasSignature = trace.Signature != ""
		if trace.SignatureKeyID != "" {
			kid := trace.SignatureKeyID
			rec.SignatureKeyID = &kid
		}
	}

	if err := in.db.InsertMalformedTrace(ctx, rec); err != nil {
		in.logger.Error("failed to record malformed trace", "record_id", rec.RecordID, "error", err)
		return
	}
	in.logger.Warn("malformed trace quarantined",
		"record_id", rec.RecordID, "severity", rec.Severity, "reason", reason)
}

// malformationSeverity grades a rejection: payloads whose rejection reason
// suggests hostile intent are critical, structurally odd but error-free
// payloads are warnings, everything else is an error.
func malformationSeverity(reason string, validationErrors []string) string {
	lower := strings.ToLower(reason)
	if strings.Contains(lower, "attack") || strings.Contains(lower, "injection") {
		return "critical"
	}
	if len(validationErrors) == 0 {
		return "warning"
	}
	return "error"
}

// decodeRaw decodes trace bytes preserving numeric literals.
func decodeRaw(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// componentsMessage extracts the components array from the UseNumber-decoded
// trace and serializes it into the signed byte sequence.
func componentsMessage(rawMap map[string]any) ([]byte, error) {
	components, ok := rawMap["components"].([]any)
	if !ok {
		return nil, errors.New("components array missing")
	}
	return SignatureMessage(components)
}

func asStringPtr(v any) *string {
	if s, ok := v.(string); ok {
		return &s
	}
	return nil
}

func asIntPtr(v any) *int {
	if n, ok := v.(int64); ok {
		i := int(n)
		return &i
	}
	return nil
}

func asInt64Ptr(v any) *int64 {
	if n, ok := v.(int64); ok {
		return &n
	}
	return nil
}

func asFloatPtr(v any) *float64 {
	if f, ok := v.(float64); ok {
		return &f
	}
	return nil
}

func asBoolPtr(v any) *bool {
	if b, ok := v.(bool); ok {
		return &b
	}
	return nil
}

func asRaw(v any) json.RawMessage {
	switch raw := v.(type) {
	case json.RawMessage:
		return raw
	case []byte:
		return json.RawMessage(raw)
	}
	return nil
}
