package schema

import (
	"errors"
	"fmt"
	"sort"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// Validation failure reasons. UnknownSchema routes the payload to the
// malformed-trace handler; the others are trace-level rejects too.
var (
	ErrUnknownSchema    = errors.New("no registered schema matches trace event types")
	ErrMissingTraceID   = errors.New("trace_id is required")
	ErrMissingSignature = errors.New("signature is required")
	ErrNoComponents     = errors.New("trace has no components")
)

// ValidationError is a trace-level parse failure with the structural
// metadata the malformed-trace record needs.
type ValidationError struct {
	Reason             error
	DetectedEventTypes []string
	Errors             []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("trace validation failed: %v", e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }

// ParsedTrace is a schema-tagged trace with its extracted columns.
type ParsedTrace struct {
	Trace         *model.CovenantTrace
	SchemaVersion string
	Connectivity  bool
	EventTypes    []string
	// Columns keyed by db_column, values already coerced to the rule's
	// scalar type. Last write wins when two rules target the same column.
	Columns  map[string]any
	Warnings []string
}

// Parser turns decoded trace JSON into a validated, schema-tagged record.
type Parser struct {
	cache *Cache
}

// NewParser wraps the registry cache.
func NewParser(cache *Cache) *Parser {
	return &Parser{cache: cache}
}

// Parse validates a trace against the registry and extracts denormalized
// columns. Trace-level failures return a *ValidationError; field-level
// failures degrade to warnings and leave the column null.
func (p *Parser) Parse(trace *model.CovenantTrace) (*ParsedTrace, error) {
	eventSet := make(map[string]struct{}, len(trace.Components))
	for _, comp := range trace.Components {
		if comp.EventType != "" {
			eventSet[comp.EventType] = struct{}{}
		}
	}
	detected := make([]string, 0, len(eventSet))
	for et := range eventSet {
		detected = append(detected, et)
	}
	sort.Strings(detected)

	fail := func(reason error, msgs ...string) error {
		return &ValidationError{Reason: reason, DetectedEventTypes: detected, Errors: msgs}
	}

	if trace.TraceID == "" {
		return nil, fail(ErrMissingTraceID, "missing trace_id")
	}
	if len(trace.Components) == 0 {
		return nil, fail(ErrNoComponents, "empty components array")
	}

	def, ok := p.cache.Detect(eventSet)
	if !ok {
		return nil, fail(ErrUnknownSchema,
			fmt.Sprintf("event types %v do not match any registered schema", detected))
	}

	if def.MatchMode != "any" && trace.Signature == "" {
		return nil, fail(ErrMissingSignature, "missing signature")
	}

	parsed := &ParsedTrace{
		Trace:         trace,
		SchemaVersion: def.Version,
		Connectivity:  def.MatchMode == "any",
		EventTypes:    detected,
		Columns:       map[string]any{},
	}

	for _, comp := range trace.Components {
		for _, rule := range p.cache.Rules(def.Version, comp.EventType) {
			value := Resolve(comp.Data, rule.JSONPath)
			for _, fallback := range rule.FallbackPaths {
				if value != nil {
					break
				}
				value = Resolve(comp.Data, fallback)
			}
			if value == nil {
				if rule.Required {
					parsed.Warnings = append(parsed.Warnings,
						fmt.Sprintf("%s: required field %s missing at %q", comp.EventType, rule.FieldName, rule.JSONPath))
				}
				continue
			}
			coerced, err := Coerce(value, rule.DataType)
			if err != nil {
				parsed.Warnings = append(parsed.Warnings,
					fmt.Sprintf("%s: field %s: %v", comp.EventType, rule.FieldName, err))
				continue
			}
			parsed.Columns[rule.DBColumn] = coerced
		}
	}

	return parsed, nil
}
