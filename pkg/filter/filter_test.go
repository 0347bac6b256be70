package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
	}{
		{"non-numeric min", Filter{"cpu": map[string]interface{}{"min": "high"}}},
		{"non-numeric max", Filter{"cpu": map[string]interface{}{"max": []interface{}{1}}}},
		{"non-string pattern", Filter{"host": map[string]interface{}{"pattern": 42}}},
		{"unparseable pattern", Filter{"host": map[string]interface{}{"pattern": "(["}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.filter)
			assert.Error(t, err)
		})
	}
}

func TestEmptyFilterMatchesEverything(t *testing.T) {
	for _, f := range []Filter{nil, {}} {
		c, err := Compile(f)
		require.NoError(t, err)
		assert.True(t, c.Matches(nil))
		assert.True(t, c.Matches(map[string]interface{}{"severity": "critical"}))
	}
}

func TestMatchesEquality(t *testing.T) {
	c, err := Compile(Filter{"severity": "critical"})
	require.NoError(t, err)

	assert.True(t, c.Matches(map[string]interface{}{"severity": "critical"}))
	assert.False(t, c.Matches(map[string]interface{}{"severity": "low"}))
	assert.False(t, c.Matches(map[string]interface{}{}))
}

func TestMatchesNumericEqualityAcrossTypes(t *testing.T) {
	// Filters arrive as JSON (float64) while producers may publish ints.
	c, err := Compile(Filter{"code": float64(2)})
	require.NoError(t, err)

	assert.True(t, c.Matches(map[string]interface{}{"code": 2}))
	assert.True(t, c.Matches(map[string]interface{}{"code": int64(2)}))
	assert.False(t, c.Matches(map[string]interface{}{"code": 3}))
	assert.False(t, c.Matches(map[string]interface{}{"code": "2"}))
}

func TestMatchesMembership(t *testing.T) {
	c, err := Compile(Filter{"severity": []interface{}{"critical", "high"}})
	require.NoError(t, err)

	assert.True(t, c.Matches(map[string]interface{}{"severity": "high"}))
	assert.False(t, c.Matches(map[string]interface{}{"severity": "low"}))
	assert.False(t, c.Matches(map[string]interface{}{"other": "critical"}))
}

func TestMatchesRange(t *testing.T) {
	tests := []struct {
		name    string
		rule    map[string]interface{}
		attrs   map[string]interface{}
		matches bool
	}{
		{"within bounds", map[string]interface{}{"min": 10.0, "max": 90.0}, map[string]interface{}{"cpu": 50.0}, true},
		{"at lower bound", map[string]interface{}{"min": 10.0, "max": 90.0}, map[string]interface{}{"cpu": 10.0}, true},
		{"at upper bound", map[string]interface{}{"min": 10.0, "max": 90.0}, map[string]interface{}{"cpu": 90.0}, true},
		{"below min", map[string]interface{}{"min": 10.0, "max": 90.0}, map[string]interface{}{"cpu": 9.5}, false},
		{"above max", map[string]interface{}{"min": 10.0, "max": 90.0}, map[string]interface{}{"cpu": 91.0}, false},
		{"unbounded above", map[string]interface{}{"min": 10.0}, map[string]interface{}{"cpu": 10000.0}, true},
		{"unbounded below", map[string]interface{}{"max": 90.0}, map[string]interface{}{"cpu": -5.0}, true},
		{"non-numeric attribute", map[string]interface{}{"min": 10.0}, map[string]interface{}{"cpu": "busy"}, false},
		{"missing attribute", map[string]interface{}{"min": 10.0}, map[string]interface{}{}, false},
		{"integer attribute", map[string]interface{}{"min": 10.0, "max": 90.0}, map[string]interface{}{"cpu": 42}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Compile(Filter{"cpu": tt.rule})
			require.NoError(t, err)
			assert.Equal(t, tt.matches, c.Matches(tt.attrs))
		})
	}
}

func TestMatchesRegexp(t *testing.T) {
	c, err := Compile(Filter{"host": map[string]interface{}{"pattern": "^db-[0-9]+$"}})
	require.NoError(t, err)

	assert.True(t, c.Matches(map[string]interface{}{"host": "db-01"}))
	assert.False(t, c.Matches(map[string]interface{}{"host": "web-01"}))
	assert.False(t, c.Matches(map[string]interface{}{}))

	// Non-string attributes are matched against their string form.
	c, err = Compile(Filter{"port": map[string]interface{}{"pattern": "^54[0-9]{2}$"}})
	require.NoError(t, err)
	assert.True(t, c.Matches(map[string]interface{}{"port": 5432}))
}

func TestMatchesMultipleFieldsAreConjunctive(t *testing.T) {
	c, err := Compile(Filter{
		"severity": []interface{}{"critical"},
		"cpu":      map[string]interface{}{"min": 80.0},
	})
	require.NoError(t, err)

	assert.True(t, c.Matches(map[string]interface{}{"severity": "critical", "cpu": 95.0}))
	assert.False(t, c.Matches(map[string]interface{}{"severity": "critical", "cpu": 20.0}))
	assert.False(t, c.Matches(map[string]interface{}{"severity": "low", "cpu": 95.0}))
}
