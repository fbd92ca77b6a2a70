package pbft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgreement_VotesBeforePrePrepare(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	d := DigestOf([]byte("b1"))

	// Votes overtake the pre-prepare on the way to node 1.
	for _, from := range []int{2, 3} {
		c.inject(from, 1, c.signed(from, NewPrepare(0, 1, d, "")))
		c.inject(from, 1, c.signed(from, NewCommit(0, 1, d, "")))
	}
	assert.Nil(t, c.engine(1).state.Working(1))

	c.inject(0, 1, c.signed(0, NewPrePrepare(0, 1, d, NullDigest, "")))

	finalized := c.service(1).Finalized()
	require.Len(t, finalized, 1)
	assert.Equal(t, BlockRef{Seq: 1, Digest: d}, finalized[0])
	assert.Equal(t, uint64(1), c.engine(1).Status().LastConfirmed)
}

func TestAgreement_FinalizesInSequenceOrder(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	d1 := DigestOf([]byte("b1"))
	d2 := DigestOf([]byte("b2"))

	c.inject(0, 1, c.signed(0, NewPrePrepare(0, 1, d1, NullDigest, "")))
	c.inject(0, 1, c.signed(0, NewPrePrepare(0, 2, d2, d1, "")))

	vote := func(seq uint64, d Digest) {
		for _, from := range []int{2, 3} {
			c.inject(from, 1, c.signed(from, NewPrepare(0, seq, d, "")))
		}
		for _, from := range []int{2, 3} {
			c.inject(from, 1, c.signed(from, NewCommit(0, seq, d, "")))
		}
	}

	vote(2, d2)
	assert.Equal(t, PhaseCommitted, c.engine(1).state.Working(2).Phase)
	assert.Empty(t, c.service(1).Finalized(), "seq 2 waits for seq 1")

	vote(1, d1)
	assert.Equal(t, []BlockRef{{Seq: 1, Digest: d1}, {Seq: 2, Digest: d2}}, c.service(1).Finalized())
}

func TestAgreement_PrePrepareFromBackupDropped(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	c.inject(2, 1, c.signed(2, NewPrePrepare(0, 1, DigestOf([]byte("b1")), NullDigest, "")))

	assert.Nil(t, c.engine(1).state.Working(1))
	assert.Equal(t, 0, c.engine(1).log.Len())
}

func TestAgreement_FutureMessagesDeferred(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{period: 10, window: 20})
	e := c.engine(1)

	// Beyond the high watermark.
	c.inject(0, 1, c.signed(0, NewPrePrepare(0, 21, DigestOf([]byte("far")), NullDigest, "")))
	// A later view.
	c.inject(2, 1, c.signed(2, NewPrepare(1, 1, DigestOf([]byte("next")), "")))

	assert.Nil(t, e.state.Working(21))
	assert.Equal(t, 2, e.Status().Backlog)
	assert.Equal(t, 0, e.log.Len())
}

func TestAgreement_StaleViewDropped(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	e := c.engine(1)
	e.state.view = 2
	e.state.targetView = 2

	c.inject(2, 1, c.signed(2, NewPrepare(1, 1, DigestOf([]byte("old")), "")))
	assert.Equal(t, 0, e.log.Len())
	assert.Equal(t, 0, e.Status().Backlog)
}

func TestAgreement_PrimaryProposesOneBlockAtATime(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{maxBlocks: 3})
	c.autoCommit = false
	c.start()

	assert.Equal(t, 1, c.blocks, "no request while seq 1 is unconfirmed")
	assert.Equal(t, 0, c.countSent(MessagePrePrepare, 0, 2))
	for i := range 4 {
		require.Len(t, c.service(i).Finalized(), 1)
	}

	// Host confirmations release the next proposal.
	for i := range 4 {
		c.enqueue(i, BlockCommitted{Seq: 1, Digest: c.service(i).Finalized()[0].Digest})
	}
	c.deliver()

	assert.Equal(t, 2, c.blocks)
	assert.Equal(t, 1, c.countSent(MessagePrePrepare, 0, 2))
}

func TestAgreement_KnownBlockNotPending(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	d := DigestOf([]byte("b1"))
	c.inject(0, 1, c.signed(0, NewPrePrepare(0, 1, d, NullDigest, "")))

	c.step(1, BlockReady{Block: BlockRef{Seq: 1, Digest: d}})
	assert.Empty(t, c.engine(1).state.pending)

	c.step(1, BlockReady{Block: BlockRef{Seq: 2, Digest: DigestOf([]byte("b2"))}})
	assert.Len(t, c.engine(1).state.pending, 1)
}

func TestAgreement_BlockInvalidReproposes(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{maxBlocks: 2})

	// Hold back prepares so the first block cannot commit.
	c.drop = func(_, _ int, msg *Message) bool { return msg.Type == MessagePrepare }
	c.start()
	rejected := c.head
	for i := range 4 {
		require.NotNil(t, c.engine(i).state.Working(1))
	}

	c.drop = nil
	for i := range 4 {
		c.enqueue(i, BlockInvalid{Seq: 1, Digest: rejected})
	}
	c.deliver()

	replacement := c.head
	require.NotEqual(t, rejected, replacement)
	for i := range 4 {
		assert.Contains(t, c.service(i).Failed(), BlockRef{Seq: 1, Digest: rejected}, "node %d", i)
		assert.Equal(t, []BlockRef{{Seq: 1, Digest: replacement}}, c.service(i).Finalized(), "node %d", i)
		assert.Empty(t, c.engine(i).Evidence(), "a replacement is not equivocation")
	}
}

func TestAgreement_PrimaryLearnsOfInvalidBlockFirst(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{maxBlocks: 2})
	c.drop = func(_, _ int, msg *Message) bool { return msg.Type == MessagePrepare }
	c.start()
	rejected := c.head

	// The primary's host rules first and a replacement reaches the backups
	// while their hosts are still validating the original.
	c.drop = nil
	c.enqueue(0, BlockInvalid{Seq: 1, Digest: rejected})
	c.deliver()
	replacement := c.head
	require.NotEqual(t, rejected, replacement)
	for i := 1; i < 4; i++ {
		assert.Empty(t, c.engine(i).Evidence(), "node %d", i)
		assert.Equal(t, rejected, c.engine(i).state.Working(1).Digest, "node %d", i)
	}

	for i := 1; i < 4; i++ {
		c.enqueue(i, BlockInvalid{Seq: 1, Digest: rejected})
	}
	c.deliver()

	for i := range 4 {
		st := c.engine(i).Status()
		assert.Equal(t, uint64(0), st.View, "node %d", i)
		assert.Equal(t, "normal", st.Mode, "node %d", i)
		assert.Empty(t, c.engine(i).Evidence(), "node %d", i)
		assert.Equal(t, []BlockRef{{Seq: 1, Digest: replacement}}, c.service(i).Finalized(), "node %d", i)
	}
	assert.Zero(t, c.countSent(MessageViewChange, 1, 0))
}

func TestAgreement_BlockInvalidForPendingBlock(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	b := BlockRef{Seq: 1, Digest: DigestOf([]byte("b1"))}

	c.step(2, BlockReady{Block: b})
	require.Len(t, c.engine(2).state.pending, 1)

	c.step(2, BlockInvalid{Seq: 1, Digest: b.Digest})
	assert.Empty(t, c.engine(2).state.pending)
	assert.Equal(t, []BlockRef{b}, c.service(2).Failed())
}

func TestAgreement_UnknownCommitConfirmationIgnored(t *testing.T) {
	c := newCluster(t, 4, clusterOptions{})
	c.step(1, BlockCommitted{Seq: 7, Digest: DigestOf([]byte("nope"))})

	require.NoError(t, c.nodes[1].err)
	assert.Equal(t, uint64(0), c.engine(1).Status().LastConfirmed)
}
