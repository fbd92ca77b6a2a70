package pbft

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insertAll(t *testing.T, l *MessageLog, msgs ...*Message) {
	t.Helper()
	for _, m := range msgs {
		added, err := l.Insert(m)
		require.NoError(t, err)
		require.True(t, added, "%s", m)
	}
}

func TestMessageLog_InsertDuplicate(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d := DigestOf([]byte("b"))

	added, err := l.Insert(NewPrepare(0, 1, d, ids[1]))
	require.NoError(t, err)
	assert.True(t, added)

	// A retransmission carries a fresh signature but the same vote.
	dup := NewPrepare(0, 1, d, ids[1])
	dup.Signature = []byte{1}
	added, err = l.Insert(dup)
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, l.Count(MessagePrepare, 0, 1, d))
}

func TestMessageLog_Equivocation(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d1 := DigestOf([]byte("a"))
	d2 := DigestOf([]byte("b"))

	insertAll(t, l, NewPrepare(0, 1, d1, ids[1]), NewPrepare(0, 1, d1, ids[2]))

	_, err := l.Insert(NewPrepare(0, 1, d2, ids[1]))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrByzantine))

	ev := l.Evidence()
	require.Len(t, ev, 1)
	assert.Equal(t, ids[1], ev[0].Signer)
	assert.Equal(t, d1, ev[0].First.Digest)
	assert.Equal(t, d2, ev[0].Second.Digest)
	assert.True(t, l.Equivocated(ids[1]))
	assert.False(t, l.Equivocated(ids[2]))

	// The equivocator no longer counts for either digest, and stays out.
	assert.Equal(t, 1, l.Count(MessagePrepare, 0, 1, d1))
	assert.Equal(t, 0, l.Count(MessagePrepare, 0, 1, d2))
	_, err = l.Insert(NewPrepare(0, 1, d1, ids[1]))
	assert.True(t, errors.Is(err, ErrByzantine))
	assert.Len(t, l.Evidence(), 1)
}

func TestMessageLog_PreparedAndCommitted(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d := DigestOf([]byte("b"))
	other := DigestOf([]byte("other"))

	insertAll(t, l,
		NewPrepare(0, 1, d, ids[1]),
		NewPrepare(0, 1, d, ids[2]),
		NewPrepare(0, 1, d, ids[3]),
	)
	assert.False(t, l.Prepared(0, 1, d, 3), "no pre-prepare yet")

	insertAll(t, l, NewPrePrepare(0, 1, d, NullDigest, ids[0]))
	assert.True(t, l.Prepared(0, 1, d, 3))
	assert.False(t, l.Prepared(0, 1, other, 3))
	assert.False(t, l.Prepared(1, 1, d, 3), "views are separate")

	insertAll(t, l, NewCommit(0, 1, d, ids[0]), NewCommit(0, 1, d, ids[1]))
	assert.False(t, l.Committed(0, 1, d, 3))
	insertAll(t, l, NewCommit(0, 1, d, ids[2]))
	assert.True(t, l.Committed(0, 1, d, 3))

	cert := l.PreparedCert(0, 1, d, 3)
	require.NotNil(t, cert)
	assert.Equal(t, d, cert.Digest())
	assert.Len(t, cert.Prepares, 3)
	assert.Nil(t, l.PreparedCert(0, 1, other, 3))
}

func TestMessageLog_EquivocatingPrimaryHasNoPrePrepare(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)

	insertAll(t, l, NewPrePrepare(0, 1, DigestOf([]byte("a")), NullDigest, ids[0]))
	_, err := l.Insert(NewPrePrepare(0, 1, DigestOf([]byte("b")), NullDigest, ids[0]))
	require.Error(t, err)

	assert.Nil(t, l.PrePrepare(0, 1))
}

func TestMessageLog_PreparedCertsHighestView(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d0 := DigestOf([]byte("v0"))
	d1 := DigestOf([]byte("v1"))

	prepare := func(view, seq uint64, d Digest) {
		insertAll(t, l, NewPrePrepare(view, seq, d, NullDigest, ids[view%4]))
		for _, id := range ids[1:] {
			if id != ids[view%4] {
				insertAll(t, l, NewPrepare(view, seq, d, id))
			}
		}
		insertAll(t, l, NewPrepare(view, seq, d, ids[0]))
	}
	prepare(0, 3, d0)
	prepare(1, 3, d1)
	prepare(0, 4, d0)
	// Only pre-prepared.
	insertAll(t, l, NewPrePrepare(0, 5, d0, NullDigest, ids[0]))

	certs := l.PreparedCerts(0, 10, 3)
	require.Len(t, certs, 2)
	assert.Equal(t, uint64(3), certs[0].Seq())
	assert.Equal(t, uint64(1), certs[0].View())
	assert.Equal(t, d1, certs[0].Digest())
	assert.Equal(t, uint64(4), certs[1].Seq())

	assert.Len(t, l.PreparedCerts(3, 10, 3), 1, "low is exclusive")
	assert.Len(t, l.PreparedCerts(0, 3, 3), 1, "high is inclusive")
}

func TestMessageLog_Checkpoints(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	good := DigestOf([]byte("state"))
	bad := DigestOf([]byte("fork"))

	// View is informational; checkpoints from different views count together.
	insertAll(t, l,
		NewCheckpoint(0, 10, good, ids[0]),
		NewCheckpoint(1, 10, good, ids[1]),
		NewCheckpoint(0, 10, bad, ids[2]),
		NewCheckpoint(0, 20, good, ids[3]),
	)

	assert.Len(t, l.Checkpoints(10, good), 2)
	assert.Len(t, l.Checkpoints(10, bad), 1)
	assert.ElementsMatch(t, []Digest{good, bad}, l.CheckpointDigests(10))
	assert.Equal(t, 1, l.CheckpointSendersAbove(10))
	assert.Equal(t, 4, l.CheckpointSendersAbove(0))
}

func TestMessageLog_ViewChangesSortedBySigner(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	insertAll(t, l,
		NewViewChange(1, nil, nil, ids[3]),
		NewViewChange(1, nil, nil, ids[0]),
		NewViewChange(2, nil, nil, ids[2]),
	)

	vcs := l.ViewChanges(1)
	require.Len(t, vcs, 2)
	assert.Equal(t, ids[0], vcs[0].Signer)
	assert.Equal(t, ids[3], vcs[1].Signer)

	assert.Nil(t, l.NewView(1))
	insertAll(t, l, NewNewView(1, 0, vcs, nil, ids[1]))
	assert.NotNil(t, l.NewView(1))

	assert.Equal(t, 3, l.PruneViews(2))
	assert.Empty(t, l.ViewChanges(1))
	assert.Len(t, l.ViewChanges(2), 1)
}

func TestMessageLog_Prune(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d := DigestOf([]byte("b"))

	for seq := uint64(1); seq <= 12; seq++ {
		insertAll(t, l, NewPrepare(0, seq, d, ids[1]))
	}
	insertAll(t, l, NewViewChange(1, nil, nil, ids[2]))

	assert.Equal(t, 9, l.Prune(10))
	assert.Equal(t, uint64(10), l.PrunedBelow())
	assert.Equal(t, uint64(10), l.MinSeq())
	assert.Len(t, l.ViewChanges(1), 1, "view changes are not sequenced")

	// Late messages below the prune point are ignored.
	added, err := l.Insert(NewPrepare(0, 3, d, ids[2]))
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, 0, l.Prune(5))
	assert.Equal(t, uint64(10), l.PrunedBelow())
}

func TestMessageLog_PruneDropsOldEvidence(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	insertAll(t, l, NewPrepare(0, 2, DigestOf([]byte("a")), ids[1]))
	_, err := l.Insert(NewPrepare(0, 2, DigestOf([]byte("b")), ids[1]))
	require.Error(t, err)
	require.Len(t, l.Evidence(), 1)

	l.Prune(5)
	assert.Empty(t, l.Evidence())
	assert.False(t, l.Equivocated(ids[1]))
}

func TestMessageLog_Abandon(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d := DigestOf([]byte("rejected"))
	replacement := DigestOf([]byte("replacement"))

	insertAll(t, l,
		NewPrePrepare(0, 1, d, NullDigest, ids[0]),
		NewPrepare(0, 1, d, ids[1]),
		NewCommit(0, 1, d, ids[2]),
	)
	assert.Equal(t, 3, l.Abandon(0, 1, d))
	assert.Equal(t, 0, l.Len())

	// The primary may now propose a different block for the slot.
	added, err := l.Insert(NewPrePrepare(0, 1, replacement, NullDigest, ids[0]))
	require.NoError(t, err)
	assert.True(t, added)
	assert.Empty(t, l.Evidence())
}

func TestMessageLog_AbandonClearsConflict(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d := DigestOf([]byte("rejected"))

	insertAll(t, l, NewPrePrepare(0, 1, d, NullDigest, ids[0]))
	_, err := l.Insert(NewPrePrepare(0, 1, DigestOf([]byte("other")), NullDigest, ids[0]))
	require.ErrorIs(t, err, ErrByzantine)
	assert.Nil(t, l.PrePrepare(0, 1))

	l.Abandon(0, 1, d)
	added, err := l.Insert(NewPrePrepare(0, 1, DigestOf([]byte("replacement")), NullDigest, ids[0]))
	require.NoError(t, err)
	assert.True(t, added)
	assert.NotNil(t, l.PrePrepare(0, 1))
	assert.Len(t, l.Evidence(), 1, "evidence outlives the slot")
}

func TestMessageLog_Voted(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	insertAll(t, l, NewCommit(2, 7, DigestOf([]byte("b")), ids[1]))

	assert.True(t, l.Voted(MessageCommit, 2, 7, ids[1]))
	assert.False(t, l.Voted(MessageCommit, 2, 7, ids[2]))
	assert.False(t, l.Voted(MessagePrepare, 2, 7, ids[1]))
}

func TestMessageLog_Backlog(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(2)
	a := NewPrepare(1, 1, DigestOf([]byte("a")), ids[1])
	b := NewPrepare(1, 2, DigestOf([]byte("b")), ids[1])

	assert.True(t, l.Defer(a))
	assert.True(t, l.Defer(b))
	assert.False(t, l.Defer(NewPrepare(1, 3, DigestOf([]byte("c")), ids[1])))
	assert.Equal(t, 2, l.BacklogLen())

	assert.Equal(t, []*Message{a, b}, l.TakeBacklog())
	assert.Equal(t, 0, l.BacklogLen())
	assert.Empty(t, l.TakeBacklog())
}

func TestMessageLog_SupersedeAhead(t *testing.T) {
	ids := testIDs(4)
	l := NewMessageLog(8)
	d := DigestOf([]byte("state"))

	insertAll(t, l,
		NewCheckpoint(0, 10, d, ids[1]),
		NewCheckpoint(0, 50, d, ids[1]),
		NewCheckpoint(0, 50, d, ids[2]),
	)

	// Only entries beyond the bound are replaced; seq 10 is inside it.
	later := NewCheckpoint(0, 60, d, ids[1])
	require.True(t, l.SupersedeAhead(later, 40))
	insertAll(t, l, later)
	assert.Len(t, l.Checkpoints(10, d), 1)
	assert.Len(t, l.Checkpoints(50, d), 1, "other senders are untouched")
	assert.Len(t, l.Checkpoints(60, d), 1)

	assert.False(t, l.SupersedeAhead(NewCheckpoint(0, 55, d, ids[1]), 40))
	assert.True(t, l.SupersedeAhead(NewCheckpoint(0, 60, d, ids[1]), 40), "the same slot is left to Insert")

	insertAll(t, l, NewViewChange(3, nil, nil, ids[2]))
	assert.False(t, l.SupersedeAhead(NewViewChange(2, nil, nil, ids[2]), 0))
	require.True(t, l.SupersedeAhead(NewViewChange(7, nil, nil, ids[2]), 0))
	assert.Empty(t, l.ViewChanges(3))
	assert.Equal(t, 3, l.Len())
}
