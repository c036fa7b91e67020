package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

func seededCache(t *testing.T) *Cache {
	t.Helper()
	c := NewCache(nil)
	c.Load(SeedDefinitions())
	return c
}

func eventSet(types ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(types))
	for _, et := range types {
		set[et] = struct{}{}
	}
	return set
}

var coreEvents = []string{
	model.EventThoughtStart,
	model.EventSnapshotAndContext,
	model.EventDMAResults,
	model.EventASPDMAResult,
	model.EventConscienceResult,
	model.EventActionResult,
}

func TestDetect_CoreEventsMatchCurrent(t *testing.T) {
	c := seededCache(t)

	def, ok := c.Detect(eventSet(coreEvents...))
	require.True(t, ok)
	// Core events alone fit every version; the current one wins.
	assert.Equal(t, "1.9.3", def.Version)
}

func TestDetect_SplitIDMASelects193(t *testing.T) {
	c := seededCache(t)

	def, ok := c.Detect(eventSet(append(coreEvents, model.EventIDMAResult, model.EventTSASPDMAResult)...))
	require.True(t, ok)
	assert.Equal(t, "1.9.3", def.Version)
}

func TestDetect_MissingRequiredEventFails(t *testing.T) {
	c := seededCache(t)

	partial := eventSet(coreEvents[:4]...)
	_, ok := c.Detect(partial)
	assert.False(t, ok, "trace missing CONSCIENCE_RESULT and ACTION_RESULT must not match")
}

func TestDetect_UnknownEventTypeFails(t *testing.T) {
	c := seededCache(t)

	set := eventSet(append(coreEvents, "NOVEL_EVENT")...)
	_, ok := c.Detect(set)
	assert.False(t, ok, "extra event type outside required+optional+signature must not match")
}

func TestDetect_ConnectivityMatchesAnyMode(t *testing.T) {
	c := seededCache(t)

	def, ok := c.Detect(eventSet(model.EventConnectivity))
	require.True(t, ok)
	assert.Equal(t, "connectivity", def.Version)
	assert.Equal(t, "any", def.MatchMode)
}

func TestDetect_EmptyRegistryMatchesNothing(t *testing.T) {
	c := NewCache(nil)

	_, ok := c.Detect(eventSet(coreEvents...))
	assert.False(t, ok)
	assert.False(t, c.Loaded())
}

func TestDetect_PriorityOrderPrefersCurrentOverDeprecated(t *testing.T) {
	c := NewCache(nil)
	c.Load([]model.SchemaDefinition{
		{Version: "old", Status: model.SchemaDeprecated, RequiredEventTypes: []string{"A"}},
		{Version: "new", Status: model.SchemaCurrent, RequiredEventTypes: []string{"A"}},
	})

	def, ok := c.Detect(eventSet("A"))
	require.True(t, ok)
	assert.Equal(t, "new", def.Version)
	assert.Equal(t, []string{"new", "old"}, c.Versions())
}

func TestLoad_ReplacesSnapshot(t *testing.T) {
	c := seededCache(t)
	require.True(t, c.Loaded())

	c.Load([]model.SchemaDefinition{
		{Version: "2.0", Status: model.SchemaCurrent, RequiredEventTypes: []string{"X"}},
	})

	_, ok := c.Get("1.9.3")
	assert.False(t, ok, "old versions must be gone after reload")
	_, ok = c.Get("2.0")
	assert.True(t, ok)
}

func TestRules_LookupByVersionAndEvent(t *testing.T) {
	c := seededCache(t)

	rules := c.Rules("1.8", model.EventConscienceResult)
	require.NotEmpty(t, rules)
	for _, r := range rules {
		if r.FieldName == "entropy_level" {
			assert.Equal(t, "epistemic_data.entropy_level", r.JSONPath)
		}
	}

	assert.Empty(t, c.Rules("1.8", model.EventTSASPDMAResult))
}
