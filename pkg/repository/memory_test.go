package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

func TestMemory_CommitAndFetch(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	fixed := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return fixed })

	tx1, err := repo.CommitNodes(ctx, model.Node{ID: 1, AclID: 10}, model.Node{ID: 2, AclID: 10})
	require.NoError(t, err)
	tx2, err := repo.CommitNodes(ctx, model.Node{ID: 3, AclID: 11})
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx1)
	assert.Equal(t, int64(2), tx2)

	txs, err := repo.FetchTransactionsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, fixed, txs[0].CommitTime)
	assert.Equal(t, model.NodeUpdated, txs[0].Nodes[0].Status)
	assert.Equal(t, tx1, txs[0].Nodes[1].TxID)

	txs, err = repo.FetchTransactionsSince(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, tx2, txs[0].ID)

	txs, err = repo.FetchTransactionsSince(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	max, err := repo.CurrentMaxTxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx2, max)
}

func TestMemory_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	_, err := repo.CommitNodes(ctx)
	assert.ErrorIs(t, err, ErrRejected)
	_, err = repo.CommitNodes(ctx, model.Node{ID: 0})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = repo.CommitAcls(ctx, model.Acl{ID: -1})
	assert.ErrorIs(t, err, ErrRejected)
	_, err = repo.DeleteNodes(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.SetContent(ctx, 99, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	max, _ := repo.CurrentMaxTxID(ctx)
	assert.Zero(t, max, "failed commits must not consume ids")
}

func TestMemory_LookupsFollowLatestVersion(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	_, err := repo.CommitNodes(ctx, model.Node{ID: 5, AclID: 1})
	require.NoError(t, err)
	tx, err := repo.CommitNodes(ctx, model.Node{ID: 5, AclID: 2})
	require.NoError(t, err)

	info, err := repo.LookupNode(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, tx, info.TxID)
	assert.Equal(t, int64(2), info.AclID)

	_, err = repo.DeleteNodes(ctx, 5)
	require.NoError(t, err)
	_, err = repo.LookupNode(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	txs, _ := repo.FetchTransactionsSince(ctx, tx, 0)
	require.Len(t, txs, 1)
	assert.Equal(t, model.NodeDeleted, txs[0].Nodes[0].Status)
}

func TestMemory_Content(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	_, err := repo.CommitNodes(ctx, model.Node{ID: 7, AclID: 1})
	require.NoError(t, err)
	_, err = repo.FetchContent(ctx, 7)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := repo.SetContent(ctx, 7, "quarterly report")
	require.NoError(t, err)
	c, err := repo.FetchContent(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, Content{NodeID: 7, TxID: tx, Text: "quarterly report"}, c)

	txs, _ := repo.FetchTransactionsSince(ctx, tx-1, 0)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].Nodes[0].HasContent)

	// a later metadata-only update keeps the content flag
	_, err = repo.CommitNodes(ctx, model.Node{ID: 7, AclID: 2})
	require.NoError(t, err)
	txs, _ = repo.FetchTransactionsSince(ctx, tx, 0)
	require.Len(t, txs, 1)
	assert.False(t, txs[0].Nodes[0].HasContent, "the feed carries what the writer sent")
}

func TestMemory_AclChangeSets(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	cs, err := repo.CommitAcls(ctx, model.Acl{ID: 1, Readers: []string{"GROUP_a"}})
	require.NoError(t, err)
	_, err = repo.CommitAcls(ctx, model.Acl{ID: 1, Deleted: true})
	require.NoError(t, err)

	sets, err := repo.FetchAclChangeSetsSince(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Equal(t, cs, sets[0].Acls[0].ChangeSetID)

	_, err = repo.LookupAcl(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_Rollback(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	for i := int64(1); i <= 5; i++ {
		_, err := repo.CommitNodes(ctx, model.Node{ID: i, AclID: 1})
		require.NoError(t, err)
	}
	_, err := repo.CommitAcls(ctx, model.Acl{ID: 1})
	require.NoError(t, err)

	repo.Rollback(3, 0)

	max, _ := repo.CurrentMaxTxID(ctx)
	assert.Equal(t, int64(3), max)
	_, err = repo.LookupNode(ctx, 4)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.LookupAcl(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	tx, err := repo.CommitNodes(ctx, model.Node{ID: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(4), tx, "ids are reissued after a rollback")
}

func TestMemory_OnCommit(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	type change struct {
		kind model.EntityKind
		id   int64
	}
	var seen []change
	repo.OnCommit(func(kind model.EntityKind, id int64) {
		seen = append(seen, change{kind, id})
	})

	_, _ = repo.CommitNodes(ctx, model.Node{ID: 1})
	_, _ = repo.CommitAcls(ctx, model.Acl{ID: 1})
	_, _ = repo.SetContent(ctx, 1, "x")

	assert.Equal(t, []change{{model.KindNode, 1}, {model.KindAcl, 1}, {model.KindNode, 2}}, seen)
}
