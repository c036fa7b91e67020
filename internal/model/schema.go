package model

import "time"

// SchemaStatus orders schema versions for detection priority.
type SchemaStatus string

const (
	SchemaCurrent    SchemaStatus = "current"
	SchemaSupported  SchemaStatus = "supported"
	SchemaDeprecated SchemaStatus = "deprecated"
)

// Priority returns the detection rank of a status; lower matches first.
func (s SchemaStatus) Priority() int {
	switch s {
	case SchemaCurrent:
		return 0
	case SchemaSupported:
		return 1
	case SchemaDeprecated:
		return 2
	default:
		return 3
	}
}

// FieldType is the scalar type a field extraction rule coerces to.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldInt       FieldType = "int"
	FieldFloat     FieldType = "float"
	FieldBoolean   FieldType = "boolean"
	FieldJSON      FieldType = "json"
	FieldTimestamp FieldType = "timestamp"
)

// FieldExtractionRule maps a dotted JSON path inside one component's data to
// a denormalized column. Rules for a published schema are immutable.
type FieldExtractionRule struct {
	SchemaVersion string    `json:"schema_version"`
	EventType     string    `json:"event_type"`
	FieldName     string    `json:"field_name"`
	JSONPath      string    `json:"json_path"` // empty means the whole event data object
	DataType      FieldType `json:"data_type"`
	Required      bool      `json:"required"`
	DBColumn      string    `json:"db_column"`
	Description   string    `json:"description,omitempty"`
	FallbackPaths []string  `json:"fallback_paths,omitempty"`
}

// SchemaDefinition describes one registered trace schema version.
type SchemaDefinition struct {
	Version             string       `json:"version"`
	Description         string       `json:"description"`
	Status              SchemaStatus `json:"status"`
	SignatureEventTypes []string     `json:"signature_event_types"`
	RequiredEventTypes  []string     `json:"required_event_types"`
	OptionalEventTypes  []string     `json:"optional_event_types"`
	// MatchMode "all" requires every required event type; "any" matches on a
	// single signature event (connectivity pings).
	MatchMode string                           `json:"match_mode"`
	Fields    map[string][]FieldExtractionRule `json:"field_extractions,omitempty"`
	SourceURL string                           `json:"source_url,omitempty"`
	SyncedAt  *time.Time                       `json:"synced_at,omitempty"`
}
