package pbft

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/splintercommunity/sawtooth-pbft/metrics"
	"github.com/splintercommunity/sawtooth-pbft/timer"
)

// Test harness: a synchronous in-memory cluster. Every broadcast and host
// reply becomes a queued delivery; deliver() drains the queue by calling
// Step on the receiving engine, so runs are deterministic.

var testPacemaker = PacemakerConfig{
	BlockCommitTimeout: 10 * time.Second,
	ViewChangeTimeout:  5 * time.Second,
	BackoffMultiplier:  1.5,
	MaxTimeout:         60 * time.Second,
}

type delivery struct {
	to int
	ev Event
}

// sentMessage is a decoded broadcast or direct send, kept for assertions.
type sentMessage struct {
	from int
	to   int // -1 for broadcast
	msg  *Message
}

// recordingService is a Service that queues its effects on the cluster.
type recordingService struct {
	c   *cluster
	idx int

	mu        sync.Mutex
	requests  int
	finalized []BlockRef
	failed    []BlockRef
	updates   [][]ValidatorID
}

var _ Service = (*recordingService)(nil)

func (s *recordingService) Broadcast(payload []byte) error {
	s.c.send(s.idx, -1, payload)
	return nil
}

func (s *recordingService) SendTo(peer ValidatorID, payload []byte) error {
	to := s.c.indexOf(peer)
	if to < 0 {
		return fmt.Errorf("unknown peer %s", peer.Short())
	}
	s.c.send(s.idx, to, payload)
	return nil
}

func (s *recordingService) RequestBlock() error {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
	s.c.buildBlock(s.idx)
	return nil
}

func (s *recordingService) FinalizeBlock(seq uint64, digest Digest) error {
	s.mu.Lock()
	s.finalized = append(s.finalized, BlockRef{Seq: seq, Digest: digest})
	s.mu.Unlock()
	if s.c.autoCommit {
		s.c.enqueue(s.idx, BlockCommitted{Seq: seq, Digest: digest})
	}
	return nil
}

func (s *recordingService) FailBlock(seq uint64, digest Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, BlockRef{Seq: seq, Digest: digest})
	return nil
}

func (s *recordingService) UpdateValidatorSet(ids []ValidatorID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, ids)
	return nil
}

func (s *recordingService) Finalized() []BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BlockRef(nil), s.finalized...)
}

func (s *recordingService) Failed() []BlockRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]BlockRef(nil), s.failed...)
}

func (s *recordingService) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

type testNode struct {
	engine  *Engine
	auth    *KeyAuthenticator
	service *recordingService
	storage Storage
	err     error
}

type clusterOptions struct {
	period    uint64
	window    uint64
	maxBlocks int
	// storage overrides the storage of individual nodes.
	storage map[int]Storage
	hooks   map[int]Hooks
	metrics map[int]*metrics.Metrics
}

type cluster struct {
	t     testing.TB
	clock *timer.MockClock
	codec BinaryCodec
	opts  clusterOptions

	ids   []ValidatorID
	nodes []*testNode

	queue []delivery
	sent  []sentMessage

	// drop filters peer messages at delivery time.
	drop func(from, to int, msg *Message) bool

	autoCommit bool
	autoBlocks bool
	blocks     int
	head       Digest
}

func newCluster(t testing.TB, n int, opts clusterOptions) *cluster {
	t.Helper()
	if opts.period == 0 {
		opts.period = 10
	}
	if opts.window == 0 {
		opts.window = 2 * opts.period
	}

	c := &cluster{
		t:          t,
		clock:      timer.NewMockClock(),
		opts:       opts,
		autoCommit: true,
		autoBlocks: true,
	}

	auths := make([]*KeyAuthenticator, n)
	for i := range n {
		auth, err := GenerateAuthenticator(CryptoSchemeEd25519)
		require.NoError(t, err)
		auths[i] = auth
		c.ids = append(c.ids, auth.ID())
	}

	for i := range n {
		storage := opts.storage[i]
		if storage == nil {
			storage = NewMemoryStorage()
		}
		node := &testNode{
			auth:    auths[i],
			service: &recordingService{c: c, idx: i},
			storage: storage,
		}
		c.nodes = append(c.nodes, node)
		node.engine = c.newEngine(i, storage, node.service)
	}
	return c
}

func (c *cluster) newEngine(i int, storage Storage, service Service) *Engine {
	c.t.Helper()
	pm := testPacemaker
	cfg, err := NewConfig(
		WithValidators(c.ids),
		WithAuthenticator(c.nodes[i].auth),
		WithService(service),
		WithStorage(storage),
		WithClock(c.clock),
		WithPacemaker(pm),
		WithCheckpointPeriod(c.opts.period),
		WithWindowSize(c.opts.window),
		WithLogger(zap.NewNop()),
		WithHooks(c.opts.hooks[i]),
		WithMetrics(c.opts.metrics[i]),
	)
	require.NoError(c.t, err)
	e, err := New(cfg)
	require.NoError(c.t, err)
	return e
}

// restart replaces node i with a fresh engine over the same storage.
func (c *cluster) restart(i int) {
	node := c.nodes[i]
	node.service = &recordingService{c: c, idx: i}
	node.engine = c.newEngine(i, node.storage, node.service)
	node.err = nil
}

func (c *cluster) indexOf(id ValidatorID) int {
	for i, v := range c.ids {
		if v == id {
			return i
		}
	}
	return -1
}

func (c *cluster) send(from, to int, payload []byte) {
	msg, err := c.codec.Unmarshal(payload)
	require.NoError(c.t, err)
	c.sent = append(c.sent, sentMessage{from: from, to: to, msg: msg})

	for i := range c.nodes {
		if i == from || (to >= 0 && i != to) {
			continue
		}
		c.enqueue(i, PeerMessage{Sender: c.ids[from], Payload: payload})
	}
}

func (c *cluster) enqueue(to int, ev Event) {
	c.queue = append(c.queue, delivery{to: to, ev: ev})
}

// buildBlock answers a block request by gossiping a new block to every node,
// as a validator network does.
func (c *cluster) buildBlock(builder int) {
	if !c.autoBlocks || c.blocks >= c.opts.maxBlocks {
		return
	}
	c.blocks++
	b := BlockRef{
		Seq:    uint64(c.blocks),
		Digest: DigestOf([]byte(fmt.Sprintf("block-%d-%d", c.blocks, builder))),
		Prev:   c.head,
	}
	c.head = b.Digest
	for i := range c.nodes {
		c.enqueue(i, BlockReady{Block: b})
	}
}

// deliver processes queued deliveries until none are left.
func (c *cluster) deliver() {
	c.t.Helper()
	for steps := 0; len(c.queue) > 0; steps++ {
		require.Less(c.t, steps, 200000+1000*c.opts.maxBlocks, "cluster did not quiesce")

		d := c.queue[0]
		c.queue = c.queue[1:]

		if pm, ok := d.ev.(PeerMessage); ok && c.drop != nil {
			msg, err := c.codec.Unmarshal(pm.Payload)
			if err == nil && c.drop(c.indexOf(pm.Sender), d.to, msg) {
				continue
			}
		}
		c.step(d.to, d.ev)
	}
}

func (c *cluster) step(i int, ev Event) {
	node := c.nodes[i]
	if node.err != nil {
		return
	}
	if err := node.engine.Step(ev); err != nil && !errors.Is(err, ErrStopped) {
		node.err = err
	}
}

// tick advances the shared clock, ticks every node and delivers the result.
func (c *cluster) tick(d time.Duration) {
	c.clock.Advance(d)
	for _, node := range c.nodes {
		if node.err != nil {
			continue
		}
		if err := node.engine.Tick(); err != nil && !errors.Is(err, ErrStopped) {
			node.err = err
		}
	}
	c.deliver()
}

// start lets the primary request its first block and runs to quiescence.
func (c *cluster) start() {
	c.tick(0)
}

func (c *cluster) engine(i int) *Engine {
	return c.nodes[i].engine
}

func (c *cluster) service(i int) *recordingService {
	return c.nodes[i].service
}

// signed builds a message signed by node i.
func (c *cluster) signed(i int, msg *Message) *Message {
	c.t.Helper()
	require.NoError(c.t, c.nodes[i].auth.Sign(msg))
	return msg
}

// inject delivers msg from node `from` to node `to` directly.
func (c *cluster) inject(from, to int, msg *Message) {
	c.t.Helper()
	payload, err := c.codec.Marshal(msg)
	require.NoError(c.t, err)
	c.enqueue(to, PeerMessage{Sender: c.ids[from], Payload: payload})
	c.deliver()
}

// countSent counts broadcasts of type t in view.
func (c *cluster) countSent(t MessageType, view, seq uint64) int {
	n := 0
	for _, s := range c.sent {
		if s.to < 0 && s.msg.Type == t && s.msg.View == view && s.msg.Seq == seq {
			n++
		}
	}
	return n
}

// requireAgreement checks that every listed node finalized the same digests
// in strictly increasing sequence order.
func (c *cluster) requireAgreement(nodes ...int) {
	c.t.Helper()
	decided := make(map[uint64]Digest)
	for _, i := range nodes {
		var last uint64
		for _, b := range c.service(i).Finalized() {
			require.Greater(c.t, b.Seq, last, "node %d finalized out of order", i)
			last = b.Seq
			if d, ok := decided[b.Seq]; ok {
				require.Equal(c.t, d, b.Digest, "fork at seq %d", b.Seq)
			}
			decided[b.Seq] = b.Digest
		}
	}
}

func allNodes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// failingStorage rejects every save.
type failingStorage struct{}

func (failingStorage) Load() (*DurableState, error) { return nil, nil }

func (failingStorage) Save(*DurableState) error {
	return errors.New("disk full")
}
