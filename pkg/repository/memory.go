package repository

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
)

// CommitHook is told about every committed transaction or change set.
// kind is model.KindNode for transactions and model.KindAcl for change sets.
type CommitHook func(kind model.EntityKind, id int64)

// Memory is a transactional in-memory repository.
type Memory struct {
	mu         sync.RWMutex
	txs        []model.Transaction
	changeSets []model.AclChangeSet
	nodes      map[int64]model.Node
	acls       map[int64]model.Acl
	content    map[int64]Content
	lastTx     int64
	lastCS     int64

	clock func() time.Time
	hooks []CommitHook
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		nodes:   make(map[int64]model.Node),
		acls:    make(map[int64]model.Acl),
		content: make(map[int64]Content),
		clock:   time.Now,
	}
}

// SetClock replaces the commit time source.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	m.clock = clock
	m.mu.Unlock()
}

// OnCommit registers a hook. Hooks run after the repository lock is released.
func (m *Memory) OnCommit(hook CommitHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

func (m *Memory) notify(kind model.EntityKind, id int64) {
	m.mu.RLock()
	hooks := append([]CommitHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(kind, id)
	}
}

// CommitNodes commits nodes as one transaction. A node without a status is
// an update.
func (m *Memory) CommitNodes(_ context.Context, nodes ...model.Node) (int64, error) {
	if len(nodes) == 0 {
		return 0, fmt.Errorf("%w: empty transaction", ErrRejected)
	}

	m.mu.Lock()
	txID := m.lastTx + 1
	now := m.clock()
	tx := model.Transaction{ID: txID, CommitTime: now, Nodes: make([]model.Node, 0, len(nodes))}
	for _, n := range nodes {
		if n.ID <= 0 {
			m.mu.Unlock()
			return 0, fmt.Errorf("%w: node id %d", ErrRejected, n.ID)
		}
		if n.Status == "" {
			n.Status = model.NodeUpdated
		}
		n.TxID = txID
		if n.Modified.IsZero() {
			n.Modified = now
		}
		tx.Nodes = append(tx.Nodes, n)
	}
	m.applyTxLocked(tx)
	m.mu.Unlock()

	m.notify(model.KindNode, txID)
	return txID, nil
}

// DeleteNodes commits deletions of existing nodes.
func (m *Memory) DeleteNodes(ctx context.Context, ids ...int64) (int64, error) {
	nodes := make([]model.Node, 0, len(ids))
	m.mu.RLock()
	for _, id := range ids {
		n, ok := m.nodes[id]
		if !ok {
			m.mu.RUnlock()
			return 0, fmt.Errorf("node %d: %w", id, ErrNotFound)
		}
		// keep the routing inputs so property and date routers place the
		// deletion on the shard that holds the node
		nodes = append(nodes, model.Node{
			ID:         id,
			AclID:      n.AclID,
			Type:       n.Type,
			Status:     model.NodeDeleted,
			Modified:   n.Modified,
			Properties: n.Properties,
		})
	}
	m.mu.RUnlock()
	return m.CommitNodes(ctx, nodes...)
}

// SetContent stores text for an existing node in a new transaction that
// marks the node as carrying content.
func (m *Memory) SetContent(_ context.Context, nodeID int64, text string) (int64, error) {
	m.mu.Lock()
	n, ok := m.nodes[nodeID]
	if !ok {
		m.mu.Unlock()
		return 0, fmt.Errorf("node %d: %w", nodeID, ErrNotFound)
	}
	txID := m.lastTx + 1
	n.TxID = txID
	n.HasContent = true
	n.Modified = m.clock()
	m.applyTxLocked(model.Transaction{ID: txID, CommitTime: n.Modified, Nodes: []model.Node{n}})
	m.content[nodeID] = Content{NodeID: nodeID, TxID: txID, Text: text}
	m.mu.Unlock()

	m.notify(model.KindNode, txID)
	return txID, nil
}

func (m *Memory) applyTxLocked(tx model.Transaction) {
	m.txs = append(m.txs, tx)
	m.lastTx = tx.ID
	for _, n := range tx.Nodes {
		if n.Status == model.NodeDeleted {
			delete(m.nodes, n.ID)
			delete(m.content, n.ID)
			continue
		}
		if prev, ok := m.nodes[n.ID]; ok && prev.HasContent {
			n.HasContent = true
		}
		m.nodes[n.ID] = n
	}
}

// CommitAcls commits ACLs as one change set.
func (m *Memory) CommitAcls(_ context.Context, acls ...model.Acl) (int64, error) {
	if len(acls) == 0 {
		return 0, fmt.Errorf("%w: empty change set", ErrRejected)
	}

	m.mu.Lock()
	csID := m.lastCS + 1
	cs := model.AclChangeSet{ID: csID, CommitTime: m.clock(), Acls: make([]model.Acl, 0, len(acls))}
	for _, a := range acls {
		if a.ID <= 0 {
			m.mu.Unlock()
			return 0, fmt.Errorf("%w: acl id %d", ErrRejected, a.ID)
		}
		a.ChangeSetID = csID
		cs.Acls = append(cs.Acls, a)
	}
	m.applyChangeSetLocked(cs)
	m.mu.Unlock()

	m.notify(model.KindAcl, csID)
	return csID, nil
}

func (m *Memory) applyChangeSetLocked(cs model.AclChangeSet) {
	m.changeSets = append(m.changeSets, cs)
	m.lastCS = cs.ID
	for _, a := range cs.Acls {
		if a.Deleted {
			delete(m.acls, a.ID)
			continue
		}
		m.acls[a.ID] = a
	}
}

// Rollback discards every transaction above txID and every change set above
// changeSetID, as a restore from backup would. Ids are reissued afterwards.
func (m *Memory) Rollback(txID, changeSetID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs, changeSets := m.txs, m.changeSets
	content := m.content
	m.txs, m.changeSets = nil, nil
	m.nodes = make(map[int64]model.Node)
	m.acls = make(map[int64]model.Acl)
	m.content = make(map[int64]Content)
	m.lastTx, m.lastCS = 0, 0

	for _, tx := range txs {
		if tx.ID <= txID {
			m.applyTxLocked(tx)
		}
	}
	for _, cs := range changeSets {
		if cs.ID <= changeSetID {
			m.applyChangeSetLocked(cs)
		}
	}
	for id, c := range content {
		if _, ok := m.nodes[id]; ok && c.TxID <= txID {
			m.content[id] = c
		}
	}
}

func (m *Memory) FetchTransactionsSince(_ context.Context, txID int64, limit int) ([]model.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.txs), func(i int) bool { return m.txs[i].ID > txID })
	end := len(m.txs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]model.Transaction, 0, end-start)
	for _, tx := range m.txs[start:end] {
		tx.Nodes = append([]model.Node(nil), tx.Nodes...)
		out = append(out, tx)
	}
	return out, nil
}

func (m *Memory) FetchAclChangeSetsSince(_ context.Context, changeSetID int64, limit int) ([]model.AclChangeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	start := sort.Search(len(m.changeSets), func(i int) bool { return m.changeSets[i].ID > changeSetID })
	end := len(m.changeSets)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]model.AclChangeSet, 0, end-start)
	for _, cs := range m.changeSets[start:end] {
		cs.Acls = append([]model.Acl(nil), cs.Acls...)
		out = append(out, cs)
	}
	return out, nil
}

func (m *Memory) CurrentMaxTxID(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastTx, nil
}

func (m *Memory) CurrentMaxAclChangeSetID(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCS, nil
}

func (m *Memory) LookupNode(_ context.Context, id int64) (model.NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return model.NodeInfo{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return model.NodeInfo{
		ID:         n.ID,
		TxID:       n.TxID,
		AclID:      n.AclID,
		Status:     n.Status,
		Type:       n.Type,
		Modified:   n.Modified,
		Properties: maps.Clone(n.Properties),
	}, nil
}

func (m *Memory) LookupAcl(_ context.Context, id int64) (model.AclInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.acls[id]
	if !ok {
		return model.AclInfo{}, fmt.Errorf("acl %d: %w", id, ErrNotFound)
	}
	return model.AclInfo{ID: a.ID, ChangeSetID: a.ChangeSetID}, nil
}

func (m *Memory) FetchContent(_ context.Context, nodeID int64) (Content, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.content[nodeID]
	if !ok {
		return Content{}, fmt.Errorf("content of node %d: %w", nodeID, ErrNotFound)
	}
	return c, nil
}

var (
	_ Feed   = (*Memory)(nil)
	_ Writer = (*Memory)(nil)
)
