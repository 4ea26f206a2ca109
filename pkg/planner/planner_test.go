package planner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pm-runner/pmrunner/pkg/planner"
)

func autoChunkOpts() planner.Options {
	return planner.Options{AutoChunk: true, MinSubtasks: 2, MaxSubtasks: 10, ExecutionMode: "auto"}
}

func TestEstimateSize_WorkedExample(t *testing.T) {
	// implement full(+3) + authentication(+2) +
	// database(+2) + api endpoint(+2) + security(+2) + integrate(+2) >= 10.
	size := planner.EstimateSize("Please implement full authentication against the database, add an api endpoint, " +
		"review security, and integrate with the existing service")
	assert.GreaterOrEqual(t, size.ComplexityScore, 10)
	assert.Equal(t, planner.SizeXL, size.SizeCategory)
	assert.NotEmpty(t, size.EstimationReasons)
}

func TestEstimateSize_SmallFixClampsToXS(t *testing.T) {
	size := planner.EstimateSize("fix typo in README")
	assert.Equal(t, planner.SizeXS, size.SizeCategory)
	assert.GreaterOrEqual(t, size.ComplexityScore, 1)
}

func TestPlan_DecompositionParallel(t *testing.T) {
	p := planner.New()
	prompt := "1. Build DB schema\n2. Build API\n3. Build UI\n4. Add tests"
	plan := p.Plan(prompt, autoChunkOpts())

	require.True(t, plan.ChunkingRecommendation.ShouldChunk)
	assert.Len(t, plan.ChunkingRecommendation.SubtaskPrompts, 4)
	assert.Equal(t, "parallel", plan.ChunkingRecommendation.ExecutionMode)
	assert.Equal(t, planner.StrategyParallel, plan.ExecutionStrategy)
}

func TestPlan_DependencyKeywordsSelectSequential(t *testing.T) {
	p := planner.New()
	prompt := "First set up the database, then create the API that uses it, after that build the frontend"
	plan := p.Plan(prompt, autoChunkOpts())

	require.True(t, plan.ChunkingRecommendation.ShouldChunk)
	assert.Equal(t, "sequential", plan.ChunkingRecommendation.ExecutionMode)
	require.NotNil(t, plan.DependencyAnalysis)
	assert.False(t, plan.DependencyAnalysis.HasCycles)
	assert.NotEmpty(t, plan.DependencyAnalysis.Edges)
}

func TestPlan_SubtaskCountOutsideBoundsDisablesChunking(t *testing.T) {
	p := planner.New()
	opts := autoChunkOpts()
	opts.MinSubtasks = 5
	opts.MaxSubtasks = 10
	prompt := "1. Build DB schema\n2. Build API\n3. Build UI\n4. Add tests"
	plan := p.Plan(prompt, opts)

	assert.False(t, plan.ChunkingRecommendation.ShouldChunk)
	assert.Equal(t, planner.StrategySingle, plan.ExecutionStrategy)
	assert.Nil(t, plan.DependencyAnalysis)
}

func TestPlan_SmallPromptNeverChunks(t *testing.T) {
	p := planner.New()
	plan := p.Plan("fix typo in README", autoChunkOpts())
	assert.False(t, plan.ChunkingRecommendation.ShouldChunk)
	assert.Equal(t, planner.StrategySingle, plan.ExecutionStrategy)
}

func TestPlan_AutoChunkDisabledNeverChunks(t *testing.T) {
	p := planner.New()
	opts := autoChunkOpts()
	opts.AutoChunk = false
	prompt := "1. Build DB schema\n2. Build API\n3. Build UI\n4. Add tests"
	plan := p.Plan(prompt, opts)
	assert.False(t, plan.ChunkingRecommendation.ShouldChunk)
}

func TestAnalyzeDependencies_NoKeywordsNoEdges(t *testing.T) {
	dep := planner.AnalyzeDependencies([]string{"a", "b", "c"}, "build a, build b, and build c")
	assert.Empty(t, dep.Edges)
	assert.False(t, dep.HasCycles)
	assert.Len(t, dep.TopologicalOrder, 3)
}

func TestAnalyzeDependencies_LinearChainTopologicalOrder(t *testing.T) {
	dep := planner.AnalyzeDependencies([]string{"a", "b", "c"}, "first do a, then do b, after that do c")
	require.Len(t, dep.Edges, 2)
	assert.Equal(t, []int{0, 1, 2}, dep.TopologicalOrder)
	assert.False(t, dep.HasCycles)
	// A linear chain has one subtask runnable at each depth.
	assert.Len(t, dep.ParallelizableGroups, 3)
}

func TestExtractSubtasks_PrefersNumberedOverComma(t *testing.T) {
	p := planner.New()
	prompt := "1. Do X, do Y\n2. Do Z"
	plan := p.Plan(prompt, autoChunkOpts())
	// Only 2 numbered items even though item 1 itself contains a comma list.
	if plan.ChunkingRecommendation.ShouldChunk {
		assert.Len(t, plan.ChunkingRecommendation.SubtaskPrompts, 2)
	}
}
