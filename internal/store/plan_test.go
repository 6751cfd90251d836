package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCreateDefaults(t *testing.T) {
	s := NewPlanStore()
	p := s.Create(&Plan{Name: "basic", AuthorizedSats: 20000, IntervalBlocks: 144, PerCallSats: 100})

	assert.NotEmpty(t, p.PlanID)
	assert.Equal(t, PlanActive, p.Status)
	assert.Equal(t, []string{"/api/*"}, p.AllowedPaths)

	got, err := s.Get(p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, "basic", got.Name)
}

func TestPlanUpdateAndDelete(t *testing.T) {
	s := NewPlanStore()
	p := s.Create(&Plan{Name: "basic", AuthorizedSats: 20000})

	updated, err := s.Update(p.PlanID, func(pl *Plan) { pl.Status = PlanPaused })
	require.NoError(t, err)
	assert.Equal(t, PlanPaused, updated.Status)

	require.NoError(t, s.IncrementSubscribers(p.PlanID))
	got, err := s.Get(p.PlanID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.SubscriberCount)

	require.NoError(t, s.Delete(p.PlanID))
	_, err = s.Get(p.PlanID)
	assert.Error(t, err)
}

func TestPlanListOrdered(t *testing.T) {
	s := NewPlanStore()
	s.Create(&Plan{Name: "first", AuthorizedSats: 1})
	s.Create(&Plan{Name: "second", AuthorizedSats: 1})

	plans := s.List()
	require.Len(t, plans, 2)
	assert.Equal(t, "first", plans[0].Name)
}

func TestIsPathAllowed(t *testing.T) {
	cases := []struct {
		patterns []string
		path     string
		want     bool
	}{
		// A trailing * matches one or more remaining segments.
		{[]string{"/api/*"}, "/api/data", true},
		{[]string{"/api/*"}, "/api/data/records", true},
		{[]string{"/api/*"}, "/api", false},
		{[]string{"/api/*"}, "/other/data", false},
		// A non-trailing * matches exactly one segment.
		{[]string{"/api/*/records"}, "/api/data/records", true},
		{[]string{"/api/*/records"}, "/api/records", false},
		{[]string{"/api/*/records"}, "/api/a/b/records", false},
		// Exact patterns match exactly.
		{[]string{"/api/data"}, "/api/data", true},
		{[]string{"/api/data"}, "/api/data/records", false},
		// First matching pattern wins.
		{[]string{"/admin/*", "/api/data"}, "/api/data", true},
		{[]string{}, "/api/data", false},
	}
	for _, tc := range cases {
		p := &Plan{AllowedPaths: tc.patterns}
		assert.Equal(t, tc.want, IsPathAllowed(p, tc.path), "patterns=%v path=%s", tc.patterns, tc.path)
	}
}
