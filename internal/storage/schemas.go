package storage

import (
	"context"
	"fmt"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// LoadSchemaDefinitions reads all registered trace schemas with their field
// extraction rules. The ingest registry cache is rebuilt from this at startup
// and after a sync.
func (db *DB) LoadSchemaDefinitions(ctx context.Context) ([]model.SchemaDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT version, description, status, signature_event_types,
		        required_event_types, optional_event_types, match_mode,
		        source_url, synced_at
		 FROM trace_schemas ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("storage: load schemas: %w", err)
	}
	defer rows.Close()

	byVersion := map[string]*model.SchemaDefinition{}
	var order []string
	for rows.Next() {
		var d model.SchemaDefinition
		var sourceURL *string
		if err := rows.Scan(&d.Version, &d.Description, &d.Status, &d.SignatureEventTypes,
			&d.RequiredEventTypes, &d.OptionalEventTypes, &d.MatchMode,
			&sourceURL, &d.SyncedAt); err != nil {
			return nil, fmt.Errorf("storage: scan schema: %w", err)
		}
		if sourceURL != nil {
			d.SourceURL = *sourceURL
		}
		d.Fields = map[string][]model.FieldExtractionRule{}
		byVersion[d.Version] = &d
		order = append(order, d.Version)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fieldRows, err := db.pool.Query(ctx,
		`SELECT schema_version, event_type, field_name, json_path, data_type,
		        required, db_column, description, fallback_paths
		 FROM trace_schema_fields ORDER BY schema_version, event_type, field_name`)
	if err != nil {
		return nil, fmt.Errorf("storage: load schema fields: %w", err)
	}
	defer fieldRows.Close()

	for fieldRows.Next() {
		var r model.FieldExtractionRule
		var desc *string
		if err := fieldRows.Scan(&r.SchemaVersion, &r.EventType, &r.FieldName,
			&r.JSONPath, &r.DataType, &r.Required, &r.DBColumn, &desc, &r.FallbackPaths); err != nil {
			return nil, fmt.Errorf("storage: scan schema field: %w", err)
		}
		if desc != nil {
			r.Description = *desc
		}
		if d, ok := byVersion[r.SchemaVersion]; ok {
			d.Fields[r.EventType] = append(d.Fields[r.EventType], r)
		}
	}
	if err := fieldRows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.SchemaDefinition, 0, len(order))
	for _, v := range order {
		out = append(out, *byVersion[v])
	}
	return out, nil
}

// UpsertSchemaDefinition writes one schema version and replaces its field
// rules in a single transaction. Used by the sync job; published versions are
// otherwise immutable.
func (db *DB) UpsertSchemaDefinition(ctx context.Context, d model.SchemaDefinition) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin schema upsert tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO trace_schemas (version, description, status, signature_event_types,
		    required_event_types, optional_event_types, match_mode, source_url, synced_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		 ON CONFLICT (version) DO UPDATE
		 SET description = EXCLUDED.description,
		     status = EXCLUDED.status,
		     signature_event_types = EXCLUDED.signature_event_types,
		     required_event_types = EXCLUDED.required_event_types,
		     optional_event_types = EXCLUDED.optional_event_types,
		     match_mode = EXCLUDED.match_mode,
		     source_url = EXCLUDED.source_url,
		     synced_at = now()`,
		d.Version, d.Description, d.Status, d.SignatureEventTypes,
		d.RequiredEventTypes, d.OptionalEventTypes, d.MatchMode, nullIfEmpty(d.SourceURL),
	); err != nil {
		return fmt.Errorf("storage: upsert schema %s: %w", d.Version, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM trace_schema_fields WHERE schema_version = $1`, d.Version); err != nil {
		return fmt.Errorf("storage: clear schema fields %s: %w", d.Version, err)
	}
	for _, rules := range d.Fields {
		for _, r := range rules {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trace_schema_fields (schema_version, event_type, field_name,
				    json_path, data_type, required, db_column, description, fallback_paths)
				 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				d.Version, r.EventType, r.FieldName, r.JSONPath, r.DataType,
				r.Required, r.DBColumn, nullIfEmpty(r.Description), r.FallbackPaths,
			); err != nil {
				return fmt.Errorf("storage: insert schema field %s/%s: %w", d.Version, r.FieldName, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit schema upsert: %w", err)
	}
	return nil
}

// DeleteSchemaDefinition removes a schema version and its field rules.
// Returns false if the version was not registered.
func (db *DB) DeleteSchemaDefinition(ctx context.Context, version string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM trace_schemas WHERE version = $1`, version)
	if err != nil {
		return false, fmt.Errorf("storage: delete schema %s: %w", version, err)
	}
	return tag.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
