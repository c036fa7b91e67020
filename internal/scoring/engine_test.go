package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CIRISAI/CIRISLens-sub000/internal/model"
)

func TestSigmoid(t *testing.T) {
	// Midpoint maps to exactly one half.
	assert.InDelta(t, 0.5, Sigmoid(0.5, 5, 0.5), 1e-12)

	// Symmetric around the midpoint.
	assert.InDelta(t, 1.0, Sigmoid(0.3, 5, 0.5)+Sigmoid(0.7, 5, 0.5), 1e-12)

	// Monotonic and bounded.
	prev := -1.0
	for x := -2.0; x <= 3.0; x += 0.25 {
		v := Sigmoid(x, 5, 0.5)
		assert.Greater(t, v, prev)
		assert.Greater(t, v, 0.0)
		assert.Less(t, v, 1.0)
		prev = v
	}
}

func TestComposite_IntegrityFloor(t *testing.T) {
	// An unverified fleet (I_int = 0) is floored at 0.1 instead of zeroing
	// the whole composite.
	assert.InDelta(t, 0.9*0.1*0.8*0.9*0.7, Composite(0.9, 0.0, 0.8, 0.9, 0.7), 1e-12)

	// Above the floor the factor passes through unchanged.
	assert.InDelta(t, 0.9*0.5*0.8*0.9*0.7, Composite(0.9, 0.5, 0.8, 0.9, 0.7), 1e-12)
}

func TestComposite_PerfectAgent(t *testing.T) {
	assert.InDelta(t, 1.0, Composite(1, 1, 1, 1, 1), 1e-12)
}

func TestFragilityIndex(t *testing.T) {
	// fragility = 1 / (0.001 + composite); a zero composite stays finite.
	assert.InDelta(t, 1000.0, 1.0/(0.001+0.0), 1e-9)
	assert.InDelta(t, 1.0/1.001, 1.0/(0.001+1.0), 1e-12)
}

func TestConfidenceBoundaries(t *testing.T) {
	assert.Equal(t, model.ConfidenceInsufficient, model.ConfidenceForCount(0))
	assert.Equal(t, model.ConfidenceInsufficient, model.ConfidenceForCount(9))
	assert.Equal(t, model.ConfidenceLow, model.ConfidenceForCount(10))
	assert.Equal(t, model.ConfidenceLow, model.ConfidenceForCount(29))
	assert.Equal(t, model.ConfidenceMedium, model.ConfidenceForCount(30))
	assert.Equal(t, model.ConfidenceMedium, model.ConfidenceForCount(99))
	assert.Equal(t, model.ConfidenceHigh, model.ConfidenceForCount(100))
}

func TestCategoryBoundaries(t *testing.T) {
	assert.Equal(t, model.CategoryHighFragility, model.CategoryForScore(0.0))
	assert.Equal(t, model.CategoryHighFragility, model.CategoryForScore(0.29999))
	assert.Equal(t, model.CategoryModerate, model.CategoryForScore(0.3))
	assert.Equal(t, model.CategoryModerate, model.CategoryForScore(0.59999))
	assert.Equal(t, model.CategoryHealthy, model.CategoryForScore(0.6))
	assert.Equal(t, model.CategoryHealthy, model.CategoryForScore(0.84999))
	assert.Equal(t, model.CategoryHighCapacity, model.CategoryForScore(0.85))
	assert.Equal(t, model.CategoryHighCapacity, model.CategoryForScore(1.0))
}

func TestWeakestFactor(t *testing.T) {
	score := model.CapacityScore{
		CoreIdentity:   model.FactorScore{Name: "C", Score: 0.9},
		Integrity:      model.FactorScore{Name: "I_int", Score: 0.4},
		Resilience:     model.FactorScore{Name: "R", Score: 0.8},
		Incompleteness: model.FactorScore{Name: "I_inc", Score: 0.95},
		Sustained:      model.FactorScore{Name: "S", Score: 0.7},
	}
	assert.Equal(t, "I_int", score.WeakestFactor())

	score.CoreIdentity.Score = 0.1
	assert.Equal(t, "C", score.WeakestFactor())
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, 5.0, p.LambdaC)
	assert.Equal(t, 10.0, p.MuC)
	assert.Equal(t, 0.05, p.DecayRate)
	assert.Equal(t, 0.15, p.PositiveMomentWeight)
	assert.Equal(t, 0.10, p.EthicalFacultyWeight)
	assert.Equal(t, 30, p.MinTraces)
	assert.Equal(t, 7, p.WindowDays)
	assert.Equal(t, 1.0, p.ReplayStub)
}

func TestIdentityFactorMath(t *testing.T) {
	// A perfectly stable agent scores 1.0: one distinct name and no
	// overrides make both exponents zero.
	dIdentity := 0.0
	kContradiction := 0.0
	score := math.Exp(-5.0*dIdentity) * math.Exp(-10.0*kContradiction)
	assert.InDelta(t, 1.0, score, 1e-12)

	// A 5% override rate alone costs roughly 39% of the factor.
	kContradiction = 0.05
	score = math.Exp(-5.0*dIdentity) * math.Exp(-10.0*kContradiction)
	assert.InDelta(t, math.Exp(-0.5), score, 1e-12)
}
