package saga

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func diamond() []StepSpec {
	return []StepSpec{
		{Name: "init"},
		{Name: "a", Dependencies: []string{"init"}},
		{Name: "b", Dependencies: []string{"init"}},
		{Name: "merge", Dependencies: []string{"a", "b"}},
	}
}

func TestBuildGraph_Levels(t *testing.T) {
	g, errs := BuildGraph(diamond())
	require.Empty(t, errs)

	assert.Equal(t, [][]string{{"init"}, {"a", "b"}, {"merge"}}, g.Levels())
	assert.Equal(t, 2, g.MaxParallelism())
	assert.Equal(t, 3, g.CriticalPathLength())
	assert.Equal(t, 1, g.EntryPoints())
	assert.Equal(t, []string{"init", "a", "merge"}, g.CriticalPath())
	assert.Equal(t, []string{"a", "b"}, g.Dependents("init"))
	assert.Equal(t, []string{"a", "b"}, g.Dependencies("merge"))

	l, ok := g.Level("merge")
	assert.True(t, ok)
	assert.Equal(t, 2, l)
	_, ok = g.Level("missing")
	assert.False(t, ok)
}

func TestBuildGraph_LevelIsLongestPath(t *testing.T) {
	g, errs := BuildGraph([]StepSpec{
		{Name: "x"},
		{Name: "y", Dependencies: []string{"x"}},
		{Name: "z", Dependencies: []string{"y"}},
		{Name: "w", Dependencies: []string{"x", "z"}},
		{Name: "v"},
	})
	require.Empty(t, errs)
	assert.Equal(t, [][]string{{"x", "v"}, {"y"}, {"z"}, {"w"}}, g.Levels())
	assert.Equal(t, 2, g.EntryPoints())
	assert.Equal(t, []string{"x", "y", "z", "w"}, g.CriticalPath())
}

func TestBuildGraph_Empty(t *testing.T) {
	g, errs := BuildGraph(nil)
	require.Empty(t, errs)
	assert.Zero(t, g.Len())
	assert.Zero(t, g.MaxParallelism())
	assert.Zero(t, g.CriticalPathLength())
	assert.Nil(t, g.CriticalPath())
}

func TestBuildGraph_ValidationErrors(t *testing.T) {
	_, errs := BuildGraph([]StepSpec{
		{Name: "a"},
		{Name: "a"},
		{Name: ""},
		{Name: "b", Dependencies: []string{"ghost"}},
	})
	require.Len(t, errs, 3)
	assert.Equal(t, ErrKindDuplicateStep, errs[0].Kind)
	assert.Equal(t, ErrKindEmptyName, errs[1].Kind)
	assert.Equal(t, &GraphError{Kind: ErrKindUnknownDependency, Step: "b", Dependency: "ghost"}, errs[2])
	assert.Equal(t, `step "b" depends on unknown step "ghost"`, errs[2].Error())
}

func TestBuildGraph_Cycle(t *testing.T) {
	g, errs := BuildGraph([]StepSpec{
		{Name: "a", Dependencies: []string{"b"}},
		{Name: "b", Dependencies: []string{"c"}},
		{Name: "c", Dependencies: []string{"a"}},
		{Name: "d"},
	})
	assert.Nil(t, g)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrKindCycle, errs[0].Kind)
	assert.Equal(t, []string{"a", "b", "c", "a"}, errs[0].Path)
	assert.Equal(t, "dependency cycle: a -> b -> c -> a", errs[0].Error())
}

func TestBuildGraph_SelfDependency(t *testing.T) {
	_, errs := BuildGraph([]StepSpec{{Name: "a", Dependencies: []string{"a"}}})
	require.Len(t, errs, 1)
	assert.Equal(t, []string{"a", "a"}, errs[0].Path)
}

func TestBuildGraph_DuplicateDependencyIgnored(t *testing.T) {
	g, errs := BuildGraph([]StepSpec{
		{Name: "a"},
		{Name: "b", Dependencies: []string{"a", "a"}},
	})
	require.Empty(t, errs)
	assert.Equal(t, []string{"a"}, g.Dependencies("b"))
}

// randomDAG draws steps that only depend on earlier steps.
func randomDAG(t *rapid.T) []StepSpec {
	n := rapid.IntRange(1, 12).Draw(t, "steps")
	specs := make([]StepSpec, n)
	for i := range n {
		specs[i].Name = fmt.Sprintf("s%d", i)
		if i == 0 {
			continue
		}
		deps := rapid.SliceOfNDistinct(rapid.IntRange(0, i-1), 0, 3, rapid.ID[int]).Draw(t, specs[i].Name)
		for _, d := range deps {
			specs[i].Dependencies = append(specs[i].Dependencies, fmt.Sprintf("s%d", d))
		}
	}
	return specs
}

func TestBuildGraph_LevelProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		specs := randomDAG(rt)
		g, errs := BuildGraph(specs)
		require.Empty(rt, errs)

		total := 0
		for _, level := range g.Levels() {
			total += len(level)
		}
		assert.Equal(rt, len(specs), total, "every step has exactly one level")

		for _, s := range specs {
			l, _ := g.Level(s.Name)
			want := 0
			for _, d := range s.Dependencies {
				dl, _ := g.Level(d)
				want = max(want, dl+1)
			}
			assert.Equal(rt, want, l, s.Name)
		}
		assert.Len(rt, g.CriticalPath(), g.CriticalPathLength())
	})
}
