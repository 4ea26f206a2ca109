package planner

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// keywordScore is one additive scoring rule applied to the lowercased prompt.
type keywordScore struct {
	phrase string
	points int
}

// scoringRules contribute additive points per deterministic keyword match
// (implement full + authentication + database + api endpoint + security +
// integrate => score >= 10).
var scoringRules = []keywordScore{
	{"implement full", 3},
	{"authentication", 2},
	{"database", 2},
	{"api endpoint", 2},
	{"security", 2},
	{"integrate", 2},
	{"refactor", 2},
	{"migration", 2},
	{"end-to-end", 2},
	{"across the codebase", 2},
	{"fix typo", -1},
	{"fix bug", 1},
	{"add test", 1},
	{"update comment", -1},
}

// decompositionKeywords indicate the prompt names multiple discrete pieces
// of work, independent of size.
var decompositionKeywords = []string{
	"and then", "as well as", "along with", "in addition to",
	"1.", "2.", "first,", "second,", "next,", "finally,",
}

// dependencyKeywords, when present, select execution_mode=sequential over
// parallel for an auto-chunked plan.
var dependencyKeywords = []string{
	"after", "then", "once", "following", "based on", "using",
}

var (
	numberedItemRe = regexp.MustCompile(`(?m)^\s*\d+[.)]\s+(.+)$`)
	bulletItemRe   = regexp.MustCompile(`(?m)^\s*[-*•]\s+(.+)$`)
	fileCountRe    = regexp.MustCompile(`(?i)\b(\d+)\s+files?\b`)
)

// Planner implements TaskPlanner: deterministic keyword/regex
// size estimation, a chunk/no-chunk decision, subtask extraction, and
// optional dependency analysis. Everything here is pure and regex-driven —
// no LLM call is needed for this stage.
type Planner struct{}

// New returns a Planner.
func New() *Planner {
	return &Planner{}
}

// Plan builds the full ExecutionPlan for a prompt.
func (p *Planner) Plan(prompt string, opts Options) *ExecutionPlan {
	size := EstimateSize(prompt)
	chunking := p.decideChunking(prompt, size, opts)

	strategy := StrategySingle
	var dep *DependencyAnalysis
	if chunking.ShouldChunk {
		if chunking.ExecutionMode == "sequential" {
			strategy = StrategySequential
		} else {
			strategy = StrategyParallel
		}
		d := AnalyzeDependencies(chunking.SubtaskPrompts, prompt)
		dep = &d
		if dep.HasCycles {
			strategy = StrategySequential
			chunking.ExecutionMode = "sequential"
		}
	}

	return &ExecutionPlan{
		PlanID:                 uuid.NewString(),
		SizeEstimation:         size,
		ChunkingRecommendation: chunking,
		ExecutionStrategy:      strategy,
		DependencyAnalysis:     dep,
	}
}

// EstimateSize scores a prompt via additive keyword matches.
func EstimateSize(prompt string) SizeEstimation {
	lower := strings.ToLower(prompt)
	score := 0
	var reasons []string
	for _, rule := range scoringRules {
		if strings.Contains(lower, rule.phrase) {
			score += rule.points
			reasons = append(reasons, fmt.Sprintf("%q matched (%+d)", rule.phrase, rule.points))
		}
	}
	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}

	fileCount := estimateFileCount(lower)
	if m := fileCountRe.FindStringSubmatch(prompt); m != nil {
		// An explicit file count in the prompt overrides the heuristic guess.
		var n int
		fmt.Sscanf(m[1], "%d", &n)
		if n > 0 {
			fileCount = n
		}
	}

	return SizeEstimation{
		ComplexityScore:    score,
		EstimatedFileCount: fileCount,
		EstimatedTokens:    estimateTokens(prompt, score),
		SizeCategory:       sizeCategory(score),
		EstimationReasons:  reasons,
	}
}

// sizeCategory buckets complexity_score into five bands.
func sizeCategory(score int) SizeCategory {
	switch {
	case score <= 2:
		return SizeXS
	case score <= 4:
		return SizeS
	case score <= 6:
		return SizeM
	case score <= 8:
		return SizeL
	default:
		return SizeXL
	}
}

func estimateFileCount(lowerPrompt string) int {
	count := 1
	for _, rule := range scoringRules {
		if rule.points > 0 && strings.Contains(lowerPrompt, rule.phrase) {
			count++
		}
	}
	return count
}

func estimateTokens(prompt string, score int) int {
	// Rough heuristic: prompt length plus a multiplier scaled by complexity,
	// giving larger plans a proportionally larger token estimate.
	return len(strings.Fields(prompt))*4 + score*200
}

// decideChunking applies the should_chunk formula and extracts subtasks.
func (p *Planner) decideChunking(prompt string, size SizeEstimation, opts Options) ChunkingRecommendation {
	lower := strings.ToLower(prompt)
	indicators := 0
	for _, kw := range decompositionKeywords {
		if strings.Contains(lower, kw) {
			indicators++
		}
	}
	// Ordering cues ("then", "after", ...) name a dependency between two
	// pieces of work, which is itself evidence the prompt decomposes into
	// more than one subtask — so they count toward the indicator tally too,
	// not just toward the sequential-vs-parallel mode choice below.
	for _, kw := range dependencyKeywords {
		if strings.Contains(lower, kw) {
			indicators++
		}
	}

	minSub, maxSub := opts.MinSubtasks, opts.MaxSubtasks
	if minSub <= 0 {
		minSub = 2
	}
	if maxSub <= 0 {
		maxSub = 10
	}

	subtasks := extractSubtasks(prompt)

	mode := opts.ExecutionMode
	if mode == "" || mode == "auto" {
		mode = "parallel"
		for _, kw := range dependencyKeywords {
			if strings.Contains(lower, kw) {
				mode = "sequential"
				break
			}
		}
	}

	wantsChunk := size.SizeCategory == SizeM || size.SizeCategory == SizeL || size.SizeCategory == SizeXL
	shouldChunk := opts.AutoChunk && (wantsChunk || indicators >= 2)

	if shouldChunk && (len(subtasks) < minSub || len(subtasks) > maxSub) {
		return ChunkingRecommendation{
			ShouldChunk:             false,
			Reason:                  fmt.Sprintf("subtask count %d outside [%d,%d]", len(subtasks), minSub, maxSub),
			DecompositionIndicators: indicators,
			ExecutionMode:           mode,
		}
	}

	if !shouldChunk {
		return ChunkingRecommendation{
			ShouldChunk:             false,
			Reason:                  fmt.Sprintf("size=%s, decomposition_indicators=%d below chunking threshold", size.SizeCategory, indicators),
			DecompositionIndicators: indicators,
			ExecutionMode:           mode,
		}
	}

	return ChunkingRecommendation{
		ShouldChunk:             true,
		Reason:                  fmt.Sprintf("size=%s or decomposition_indicators=%d meets chunking threshold", size.SizeCategory, indicators),
		SubtaskPrompts:          subtasks,
		DecompositionIndicators: indicators,
		ExecutionMode:           mode,
	}
}

// extractSubtasks prefers numbered lists, then bullet lists, then
// comma-separated coordinated objects.
func extractSubtasks(prompt string) []string {
	if items := matchAll(numberedItemRe, prompt); len(items) >= 2 {
		return items
	}
	if items := matchAll(bulletItemRe, prompt); len(items) >= 2 {
		return items
	}
	return extractCommaSeparated(prompt)
}

func matchAll(re *regexp.Regexp, text string) []string {
	matches := re.FindAllStringSubmatch(text, -1)
	items := make([]string, 0, len(matches))
	for _, m := range matches {
		items = append(items, strings.TrimSpace(m[1]))
	}
	return items
}

// extractCommaSeparated splits "build X, build Y, and build Z" style
// coordinated object lists, or a comma-joined sequence of ordering-cued
// clauses ("first set up X, then build Y, after that do Z"). Returns nil if
// the prompt does not look like either shape (fewer than one comma, or no
// coordinating "and"/ordering cue).
func extractCommaSeparated(prompt string) []string {
	lower := strings.ToLower(prompt)
	hasAnd := strings.Contains(lower, " and ")
	hasOrderingCue := false
	for _, kw := range dependencyKeywords {
		if strings.Contains(lower, kw) {
			hasOrderingCue = true
			break
		}
	}
	if strings.Count(prompt, ",") < 1 || !(hasAnd || hasOrderingCue) {
		return nil
	}
	normalized := prompt
	if hasAnd {
		normalized = strings.Replace(normalized, " and ", ", ", 1)
	}
	parts := strings.Split(normalized, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			items = append(items, part)
		}
	}
	if len(items) < 2 {
		return nil
	}
	return items
}

// AnalyzeDependencies builds ordering edges from dependency cues in the
// original prompt, then computes a topological order and parallelizable
// groups, marking has_cycles when the detected edges are inconsistent.
func AnalyzeDependencies(subtasks []string, prompt string) DependencyAnalysis {
	n := len(subtasks)
	if n == 0 {
		return DependencyAnalysis{}
	}

	lower := strings.ToLower(prompt)
	hasDeps := false
	for _, kw := range dependencyKeywords {
		if strings.Contains(lower, kw) {
			hasDeps = true
			break
		}
	}

	var edges []DependencyEdge
	if hasDeps {
		// Without a real dependency grammar, a linear chain (i depends on
		// i-1) is the conservative interpretation of "then"/"after" ordering
		// cues across an enumerated list.
		for i := 1; i < n; i++ {
			edges = append(edges, DependencyEdge{From: i - 1, To: i})
		}
	}

	order, cycle := topologicalOrder(n, edges)
	groups := parallelizableGroups(n, edges, order)

	return DependencyAnalysis{
		Edges:                edges,
		TopologicalOrder:     order,
		ParallelizableGroups: groups,
		HasCycles:            cycle,
	}
}

// topologicalOrder performs Kahn's algorithm over indices [0,n). Returns the
// partial order processed so far and whether a cycle was detected (a
// detected cycle means fewer than n nodes were ordered).
func topologicalOrder(n int, edges []DependencyEdge) ([]int, bool) {
	indegree := make([]int, n)
	adj := make([][]int, n)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	var queue []int
	for i := 0; i < n; i++ {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	var order []int
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range adj[node] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != n {
		// Cycle: fall back to index order for the caller's sequential-by-order.
		order = make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order, true
	}
	return order, false
}

// parallelizableGroups buckets nodes by their longest-path depth from a
// root: nodes at the same depth have no ordering edge between them and can
// run concurrently.
func parallelizableGroups(n int, edges []DependencyEdge, order []int) [][]int {
	depth := make([]int, n)
	adj := make([][]int, n)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	for _, node := range order {
		for _, next := range adj[node] {
			if depth[node]+1 > depth[next] {
				depth[next] = depth[node] + 1
			}
		}
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	groups := make([][]int, maxDepth+1)
	for i, d := range depth {
		groups[d] = append(groups[d], i)
	}
	return groups
}
