package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pbft "github.com/splintercommunity/sawtooth-pbft"
)

func TestFileStore_Empty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "state.json"), zap.NewNop())
	require.NoError(t, err)

	ds, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, ds)
}

func TestFileStore_SaveLoad(t *testing.T) {
	auth, err := pbft.GenerateAuthenticator(pbft.CryptoSchemeEd25519)
	require.NoError(t, err)
	ids := []pbft.ValidatorID{auth.ID(), "b1", "c2", "d3"}

	block := pbft.DigestOf([]byte("block-11"))
	pp := pbft.NewPrePrepare(1, 11, block, pbft.DigestOf([]byte("block-10")), "")
	require.NoError(t, auth.Sign(pp))
	prepare := pbft.NewPrepare(1, 11, block, "")
	require.NoError(t, auth.Sign(prepare))
	cp := pbft.NewCheckpoint(1, 10, pbft.DigestOf([]byte("block-10")), "")
	require.NoError(t, auth.Sign(cp))

	in := &pbft.DurableState{
		View:           1,
		Checkpoint:     &pbft.CheckpointProof{Seq: 10, Digest: cp.Digest, Messages: []*pbft.Message{cp}},
		LastFinalized:  11,
		LastConfirmed:  10,
		Head:           cp.Digest,
		OwnCheckpoints: map[uint64]pbft.Digest{10: cp.Digest},
		Certificates: []*pbft.Certificate{
			{PrePrepare: pp, Prepares: []*pbft.Message{prepare}},
		},
		Validators: ids,
	}

	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Save(in))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file is renamed away")

	// A second store over the same file sees the state.
	reopened, err := NewFileStore(path, nil)
	require.NoError(t, err)
	out, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// Signatures still verify after the round trip.
	require.NoError(t, auth.Verify(out.Certificates[0].PrePrepare))
	require.NoError(t, auth.Verify(out.Checkpoint.Messages[0]))
}

func TestFileStore_Overwrite(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, err)

	require.NoError(t, s.Save(&pbft.DurableState{View: 1}))
	require.NoError(t, s.Save(&pbft.DurableState{View: 2, LastConfirmed: 5}))

	out, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), out.View)
	assert.Equal(t, uint64(5), out.LastConfirmed)
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := NewFileStore(path, nil)
	require.NoError(t, err)
	_, err = s.Load()
	assert.Error(t, err)
}

func TestFileStore_EngineRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := NewFileStore(path, nil)
	require.NoError(t, err)

	auths := make([]*pbft.KeyAuthenticator, 4)
	var ids []pbft.ValidatorID
	for i := range auths {
		auths[i], err = pbft.GenerateAuthenticator(pbft.CryptoSchemeEd25519)
		require.NoError(t, err)
		ids = append(ids, auths[i].ID())
	}
	cp := &pbft.CheckpointProof{Seq: 10, Digest: pbft.DigestOf([]byte("ten"))}
	require.NoError(t, s.Save(&pbft.DurableState{
		View:          3,
		Checkpoint:    cp,
		LastFinalized: 12,
		LastConfirmed: 12,
		Validators:    ids,
	}))

	cfg, err := pbft.NewConfig(
		pbft.WithValidators(ids),
		pbft.WithAuthenticator(auths[0]),
		pbft.WithService(discardService{}),
		pbft.WithStorage(s),
		pbft.WithCheckpointPeriod(10),
	)
	require.NoError(t, err)
	e, err := pbft.New(cfg)
	require.NoError(t, err)

	st := e.Status()
	assert.Equal(t, uint64(3), st.View)
	assert.Equal(t, uint64(10), st.LowWatermark)
	assert.Equal(t, uint64(12), st.LastConfirmed)
}

type discardService struct{}

func (discardService) Broadcast([]byte) error { return nil }
func (discardService) SendTo(pbft.ValidatorID, []byte) error { return nil }
func (discardService) RequestBlock() error { return nil }
func (discardService) FinalizeBlock(uint64, pbft.Digest) error { return nil }
func (discardService) FailBlock(uint64, pbft.Digest) error { return nil }
func (discardService) UpdateValidatorSet([]pbft.ValidatorID) error { return nil }
