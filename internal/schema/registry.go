// Package schema holds the trace schema registry and the table-driven
// trace parser.
//
// The registry is the first line of defense for ingest: a trace either
// matches a registered schema version and proceeds to field extraction, or
// it is routed to the malformed-trace handler. Definitions live in the
// database and are cached here; operators onboard a new agent schema by
// registering rows, not by shipping code.
package schema

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

// Cache is the in-memory schema registry. Reads are lock-free against a
// snapshot pointer; Load replaces the whole snapshot (copy-on-write).
type Cache struct {
	mu       sync.RWMutex
	snapshot *snapshot
	logger   *slog.Logger
}

type snapshot struct {
	byVersion  map[string]model.SchemaDefinition
	byPriority []model.SchemaDefinition
	rules      map[ruleKey][]model.FieldExtractionRule
}

type ruleKey struct {
	version   string
	eventType string
}

// NewCache returns an empty registry. It matches nothing until Load.
func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{logger: logger, snapshot: &snapshot{
		byVersion: map[string]model.SchemaDefinition{},
		rules:     map[ruleKey][]model.FieldExtractionRule{},
	}}
}

// Load replaces the registry contents with the given definitions, ordered
// current > supported > deprecated for detection.
func (c *Cache) Load(defs []model.SchemaDefinition) {
	snap := &snapshot{
		byVersion: make(map[string]model.SchemaDefinition, len(defs)),
		rules:     map[ruleKey][]model.FieldExtractionRule{},
	}
	for _, d := range defs {
		snap.byVersion[d.Version] = d
		for eventType, rules := range d.Fields {
			snap.rules[ruleKey{d.Version, eventType}] = rules
		}
	}
	snap.byPriority = make([]model.SchemaDefinition, 0, len(defs))
	snap.byPriority = append(snap.byPriority, defs...)
	sort.SliceStable(snap.byPriority, func(i, j int) bool {
		return snap.byPriority[i].Status.Priority() < snap.byPriority[j].Status.Priority()
	})

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	fieldCount := 0
	for _, rules := range snap.rules {
		fieldCount += len(rules)
	}
	c.logger.Info("schema cache loaded", "schemas", len(defs), "field_rules", fieldCount)
}

func (c *Cache) current() *snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Loaded reports whether any schema is registered.
func (c *Cache) Loaded() bool {
	return len(c.current().byVersion) > 0
}

// Versions lists loaded schema versions in detection order.
func (c *Cache) Versions() []string {
	snap := c.current()
	out := make([]string, 0, len(snap.byPriority))
	for _, d := range snap.byPriority {
		out = append(out, d.Version)
	}
	return out
}

// Get returns a schema definition by version.
func (c *Cache) Get(version string) (model.SchemaDefinition, bool) {
	d, ok := c.current().byVersion[version]
	return d, ok
}

// Rules returns the field extraction rules for one (version, event type).
func (c *Cache) Rules(version, eventType string) []model.FieldExtractionRule {
	return c.current().rules[ruleKey{version, eventType}]
}

// Detect matches a set of observed event types against registered schemas
// in priority order. A schema matches when every required event type is
// present and no observed event type falls outside
// required ∪ optional ∪ signature. Schemas with match mode "any" match on
// any single signature event (connectivity pings). The first match wins.
func (c *Cache) Detect(eventTypes map[string]struct{}) (model.SchemaDefinition, bool) {
	for _, d := range c.current().byPriority {
		if d.MatchMode == "any" {
			if intersects(eventTypes, d.SignatureEventTypes) {
				return d, true
			}
			continue
		}
		if containsAll(eventTypes, d.RequiredEventTypes) && within(eventTypes, d) {
			return d, true
		}
	}
	return model.SchemaDefinition{}, false
}

func intersects(set map[string]struct{}, list []string) bool {
	for _, s := range list {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

func containsAll(set map[string]struct{}, list []string) bool {
	for _, s := range list {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// within checks the observed set against required ∪ optional ∪ signature.
func within(set map[string]struct{}, d model.SchemaDefinition) bool {
	known := make(map[string]struct{}, len(d.RequiredEventTypes)+len(d.OptionalEventTypes)+len(d.SignatureEventTypes))
	for _, s := range d.RequiredEventTypes {
		known[s] = struct{}{}
	}
	for _, s := range d.OptionalEventTypes {
		known[s] = struct{}{}
	}
	for _, s := range d.SignatureEventTypes {
		known[s] = struct{}{}
	}
	for s := range set {
		if _, ok := known[s]; !ok {
			return false
		}
	}
	return true
}
