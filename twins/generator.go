package twins

import (
	"math/rand"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

// GeneratorConfig configures scenario generation.
type GeneratorConfig struct {
	// MinReplicas is the minimum number of honest replicas
	MinReplicas int

	// MaxReplicas is the maximum number of honest replicas
	MaxReplicas int

	// MaxTwins is the maximum number of twin pairs, further capped by f
	MaxTwins int

	// MinBlocks is the minimum block target
	MinBlocks int

	// MaxBlocks is the maximum block target
	MaxBlocks int

	// IncludePartitions enables network partition scenarios
	IncludePartitions bool

	// Seed for reproducible generation (0 = random)
	Seed int64
}

// DefaultGeneratorConfig returns the default generator configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinReplicas:       3,
		MaxReplicas:       7,
		MaxTwins:          2,
		MinBlocks:         2,
		MaxBlocks:         8,
		IncludePartitions: true,
	}
}

// Generator generates random test scenarios.
type Generator struct {
	config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator creates a new scenario generator.
func NewGenerator(config GeneratorConfig) *Generator {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	return &Generator{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Generate generates a single valid random scenario.
func (g *Generator) Generate() Scenario {
	replicas := g.config.MinReplicas + g.rng.Intn(g.config.MaxReplicas-g.config.MinReplicas+1)

	// Pick among the twin counts that keep n >= 4 and twins <= f.
	var options []int
	for twins := 0; twins <= g.config.MaxTwins; twins++ {
		n := replicas + twins
		if n >= 4 && twins <= pbft.MaxFaulty(n) {
			options = append(options, twins)
		}
	}
	if len(options) == 0 {
		// Too few replicas for any twin count: pad with honest ones.
		replicas = 4
		options = []int{0}
	}
	twins := options[g.rng.Intn(len(options))]

	blocks := g.config.MinBlocks + g.rng.Intn(g.config.MaxBlocks-g.config.MinBlocks+1)

	behaviors := []ByzantineBehavior{
		BehaviorHonest,
		BehaviorDoubleSign,
		BehaviorEquivocation,
		BehaviorSilent,
	}
	behavior := behaviors[g.rng.Intn(len(behaviors))]
	if twins == 0 {
		behavior = BehaviorHonest
	}

	scenario := Scenario{
		Replicas: replicas,
		Twins:    twins,
		Blocks:   blocks,
		Behavior: behavior,
	}

	// Add random partitions (20% chance)
	if g.config.IncludePartitions && g.rng.Float64() < 0.2 {
		scenario.Partitions = g.generatePartitions(scenario.Nodes())
	}

	return scenario
}

// GenerateN generates n random scenarios.
func (g *Generator) GenerateN(n int) []Scenario {
	scenarios := make([]Scenario, n)
	for i := range n {
		scenarios[i] = g.Generate()
	}
	return scenarios
}

// generatePartitions splits the nodes into two groups.
func (g *Generator) generatePartitions(totalNodes int) []Partition {
	if totalNodes < 2 {
		return nil
	}

	splitPoint := 1 + g.rng.Intn(totalNodes-1)

	partition1 := make([]int, splitPoint)
	partition2 := make([]int, totalNodes-splitPoint)

	for i := range splitPoint {
		partition1[i] = i
	}

	for i := range totalNodes - splitPoint {
		partition2[i] = splitPoint + i
	}

	return []Partition{
		{Nodes: partition1},
		{Nodes: partition2},
	}
}

// GenerateComprehensive returns the basic scenarios, a set of edge cases and
// randomCount random scenarios.
func GenerateComprehensive(randomCount int, seed int64) []Scenario {
	scenarios := GenerateBasicScenarios()

	scenarios = append(scenarios, []Scenario{
		// Minimum viable: 4 nodes
		{Replicas: 4, Blocks: 3, Behavior: BehaviorHonest},

		// Silent primary: progress needs a view change.
		{Replicas: 3, Twins: 1, Blocks: 5, Behavior: BehaviorSilent, TwinPrimary: true},

		// Larger network: 7 nodes
		{Replicas: 7, Blocks: 5, Behavior: BehaviorHonest},

		// 7 nodes with maximum twins (f=2)
		{Replicas: 5, Twins: 2, Blocks: 5, Behavior: BehaviorEquivocation},

		// Past a checkpoint boundary
		{Replicas: 3, Twins: 1, Blocks: 12, Behavior: BehaviorDoubleSign},
	}...)

	cfg := DefaultGeneratorConfig()
	cfg.Seed = seed
	scenarios = append(scenarios, NewGenerator(cfg).GenerateN(randomCount)...)

	return scenarios
}
