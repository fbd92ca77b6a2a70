package twins

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	pbft "github.com/splintercommunity/sawtooth-pbft"
	"github.com/splintercommunity/sawtooth-pbft/timer"
)

const (
	// tickInterval is how far the mock clock moves per round.
	tickInterval = time.Second

	// maxDeliveries bounds the messages handled per round. A round that
	// exceeds it is treated as a livelock.
	maxDeliveries = 200000
)

var executorPacemaker = pbft.PacemakerConfig{
	BlockCommitTimeout: 10 * time.Second,
	ViewChangeTimeout:  5 * time.Second,
	BackoffMultiplier:  1.5,
	MaxTimeout:         60 * time.Second,
}

type node struct {
	id     int
	engine *pbft.Engine
	host   *host
	honest bool
	err    error
}

// Executor runs a scenario against real engines over an in-process network.
type Executor struct {
	scenario Scenario
	logger   *zap.Logger

	clock    *timer.MockClock
	network  *Network
	detector *ViolationDetector

	auths []*pbft.KeyAuthenticator // per validator
	nodes []*node
}

// NewExecutor validates s and sets up its nodes.
func NewExecutor(s Scenario) (*Executor, error) {
	if err := ValidateScenario(s); err != nil {
		return nil, err
	}
	e := &Executor{
		scenario: s,
		logger:   zap.NewNop(),
		clock:    timer.NewMockClock(),
		detector: NewViolationDetector(),
	}
	if err := e.setup(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Executor) setup() error {
	s := e.scenario

	ids := make([]pbft.ValidatorID, s.Validators())
	for i := range ids {
		auth, err := pbft.GenerateAuthenticator(pbft.CryptoSchemeEd25519)
		if err != nil {
			return fmt.Errorf("generate key for validator %d: %w", i, err)
		}
		e.auths = append(e.auths, auth)
		ids[i] = auth.ID()
	}

	// The validator set order decides the primary of each view.
	order := ids
	if s.TwinPrimary {
		order = make([]pbft.ValidatorID, 0, len(ids))
		order = append(order, ids[s.Replicas])
		order = append(order, ids[:s.Replicas]...)
		order = append(order, ids[s.Replicas+1:]...)
	}

	nodeIDs := make([]pbft.ValidatorID, s.Nodes())
	for i := range nodeIDs {
		nodeIDs[i] = ids[GetValidatorIndex(i, s.Replicas)]
	}
	e.network = NewNetwork(nodeIDs, s.Partitions)
	e.network.Observe(e.detector.RecordMessage)

	for i := range nodeIDs {
		n := &node{id: i, honest: !IsTwin(i, s.Replicas)}
		n.host = &host{
			node:     i,
			network:  e.network,
			detector: e.detector,
			honest:   n.honest,
			target:   s.Blocks,
		}
		cfg, err := pbft.NewConfig(
			pbft.WithValidators(order),
			pbft.WithAuthenticator(e.auths[GetValidatorIndex(i, s.Replicas)]),
			pbft.WithService(n.host),
			pbft.WithStorage(pbft.NewMemoryStorage()),
			pbft.WithClock(e.clock),
			pbft.WithPacemaker(executorPacemaker),
			pbft.WithCheckpointPeriod(10),
			pbft.WithLogger(e.logger.With(zap.Int("node", i))),
		)
		if err != nil {
			return fmt.Errorf("config for node %d: %w", i, err)
		}
		if n.engine, err = pbft.New(cfg); err != nil {
			return fmt.Errorf("engine for node %d: %w", i, err)
		}
		e.nodes = append(e.nodes, n)
	}

	e.installInterceptors()
	return nil
}

// installInterceptors applies the scenario's behavior to every twin pair.
func (e *Executor) installInterceptors() {
	s := e.scenario
	if s.Twins == 0 || s.Behavior == BehaviorHonest {
		return
	}

	half := s.Replicas / 2
	first := make([]int, 0, half)
	second := make([]int, 0, s.Replicas-half)
	for i := range s.Replicas {
		if i < half {
			first = append(first, i)
		} else {
			second = append(second, i)
		}
	}

	for pair := range s.Twins {
		a, b := TwinID(s.Replicas, pair, 0), TwinID(s.Replicas, pair, 1)

		// Other pairs hear from both twins.
		var others []int
		for i := s.Replicas; i < s.Nodes(); i++ {
			if i != a && i != b {
				others = append(others, i)
			}
		}

		switch s.Behavior {
		case BehaviorSilent:
			e.network.SetInterceptor(a, SilentInterceptor{})
			e.network.SetInterceptor(b, SilentInterceptor{})
		case BehaviorEquivocation:
			e.network.SetInterceptor(a, NewEquivocationInterceptor(append(append([]int(nil), first...), others...)))
			e.network.SetInterceptor(b, NewEquivocationInterceptor(append(append([]int(nil), second...), others...)))
		case BehaviorDoubleSign:
			auth := e.auths[GetValidatorIndex(a, s.Replicas)]
			honest := append(append([]int(nil), first...), others...)
			e.network.SetInterceptor(a, NewDoubleSignInterceptor(auth, honest, second))
		}
	}
}

// Execute runs the twins scenario and returns the result.
func (e *Executor) Execute() Result {
	budget := time.Duration(e.scenario.Blocks)*20*time.Second + 2*time.Minute

	ok := e.round(0)
	for elapsed := time.Duration(0); ok && elapsed < budget && !e.done(); elapsed += tickInterval {
		ok = e.round(tickInterval)
	}
	return e.result()
}

// round advances the clock, ticks every node and delivers until the network
// is idle.
func (e *Executor) round(d time.Duration) bool {
	e.clock.Advance(d)
	for _, n := range e.nodes {
		if n.err == nil {
			e.check(n, n.engine.Tick())
		}
	}

	for steps := 0; ; steps++ {
		if steps >= maxDeliveries {
			e.detector.Record(Violation{
				Type:        ViolationNone,
				Description: fmt.Sprintf("network did not quiesce after %d deliveries", maxDeliveries),
				NodeID:      -1,
			})
			return false
		}
		next, ok := e.network.next()
		if !ok {
			return true
		}
		n := e.nodes[next.to]
		if n.err == nil {
			e.check(n, n.engine.Step(next.ev))
		}
	}
}

func (e *Executor) check(n *node, err error) {
	if err == nil {
		return
	}
	n.err = err
	if n.honest && !errors.Is(err, pbft.ErrStopped) {
		e.detector.RecordHalt(n.id, err)
	}
}

// done reports whether every honest replica reached the block target.
func (e *Executor) done() bool {
	for _, n := range e.nodes {
		if n.honest && n.host.finalized < e.scenario.Blocks {
			return false
		}
	}
	return true
}

func (e *Executor) result() Result {
	r := Result{
		Scenario:          e.scenario,
		Violations:        e.detector.GetViolations(),
		MessagesExchanged: e.network.MessageCount(),
		Finalized:         -1,
	}
	r.Success = !e.detector.HasSafetyViolations()

	for _, n := range e.nodes {
		if !n.honest {
			continue
		}
		if r.Finalized < 0 || n.host.finalized < r.Finalized {
			r.Finalized = n.host.finalized
		}
		if v := n.engine.Status().View; v > r.MaxView {
			r.MaxView = v
		}
		r.Evidence += len(n.engine.Evidence())
	}
	if r.Finalized < 0 {
		r.Finalized = 0
	}
	return r
}

// Detector returns the executor's violation detector.
func (e *Executor) Detector() *ViolationDetector {
	return e.detector
}

// Network returns the executor's network.
func (e *Executor) Network() *Network {
	return e.network
}

// RunScenario builds an executor for s and runs it.
func RunScenario(s Scenario) (Result, error) {
	e, err := NewExecutor(s)
	if err != nil {
		return Result{}, err
	}
	return e.Execute(), nil
}
