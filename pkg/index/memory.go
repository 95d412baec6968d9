package index

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/wal"
)

// Options configures a MemoryIndex.
type Options struct {
	// DataDir holds the journal. Empty means no durability, for tests and
	// throwaway shards.
	DataDir  string
	Compress bool
	Logger   logging.Logger
	Metrics  *metrics.Registry
}

type nodeDoc struct {
	node        model.Node
	content     string
	contentTxID int64
	tf          map[string]int
}

// MemoryIndex implements Engine.
type MemoryIndex struct {
	// writeMu serializes writers so journal order matches apply order;
	// mu guards the maps for readers.
	writeMu sync.Mutex
	mu      sync.RWMutex

	nodes     map[int64]*nodeDoc
	deleted   map[int64]int64 // node id -> tx id of the deletion, until checkpointed
	acls      map[int64]model.Acl
	aclRefs   map[int64]int
	postings  map[string]map[int64]struct{}
	docFreq   map[string]int
	dirty     map[int64]int64
	highWater int64

	journal *wal.Journal
	logger  logging.Logger
	metrics *metrics.Registry
	closed  bool
}

// NewMemoryIndex opens an index, replaying its journal when DataDir is set.
func NewMemoryIndex(opts Options) (*MemoryIndex, error) {
	m := &MemoryIndex{
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if m.logger == nil {
		m.logger = logging.NewNopLogger()
	}
	m.logger = m.logger.With(logging.Component("index"))
	m.clear()

	if opts.DataDir != "" {
		j, err := wal.Open(opts.DataDir, wal.Options{Compress: opts.Compress})
		if err != nil {
			return nil, err
		}
		m.journal = j
		timer := logging.StartTimer(m.logger, "journal replayed")
		if err := m.replay(); err != nil {
			j.Close()
			return nil, fmt.Errorf("replay index journal: %w", err)
		}
		timer.EndWithLevel(logging.InfoLevel,
			logging.Int("nodes", len(m.nodes)),
			logging.Int("acls", len(m.acls)),
			logging.Int64("truncated_bytes", j.Stats().TruncatedTail))
	}
	m.publishCounts()
	return m, nil
}

func (m *MemoryIndex) clear() {
	m.nodes = make(map[int64]*nodeDoc)
	m.deleted = make(map[int64]int64)
	m.acls = make(map[int64]model.Acl)
	m.aclRefs = make(map[int64]int)
	m.postings = make(map[string]map[int64]struct{})
	m.docFreq = make(map[string]int)
	m.dirty = make(map[int64]int64)
	m.highWater = 0
}

func (m *MemoryIndex) record(op wal.OpType, v any) error {
	if m.journal == nil {
		return nil
	}
	data, err := encodeRecord(v)
	if err != nil {
		return err
	}
	if _, err := m.journal.Append(op, data); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (m *MemoryIndex) ApplyNode(ctx context.Context, node model.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	op := wal.OpUpsertNode
	if node.Status == model.NodeDeleted {
		op = wal.OpDeleteNode
	}
	if err := m.record(op, node); err != nil {
		return err
	}

	m.mu.Lock()
	m.applyNodeLocked(node)
	m.mu.Unlock()
	return nil
}

// applyNodeLocked upserts or deletes a node. Versions older than the one
// already held are ignored so that replays of old transactions never
// regress the index.
func (m *MemoryIndex) applyNodeLocked(node model.Node) {
	if cur, ok := m.nodes[node.ID]; ok && cur.node.TxID > node.TxID {
		return
	}
	if delTx, ok := m.deleted[node.ID]; ok && delTx > node.TxID {
		return
	}

	prev := m.nodes[node.ID]
	if prev != nil {
		m.unindex(prev)
	}

	if node.Status == model.NodeDeleted {
		delete(m.nodes, node.ID)
		delete(m.dirty, node.ID)
		m.deleted[node.ID] = node.TxID
		return
	}
	delete(m.deleted, node.ID)

	doc := &nodeDoc{node: node}
	if prev != nil {
		doc.content = prev.content
		doc.contentTxID = prev.contentTxID
	}
	if node.HasContent && node.TxID > doc.contentTxID {
		m.dirty[node.ID] = node.TxID
		m.highWater = max(m.highWater, node.TxID)
	} else {
		delete(m.dirty, node.ID)
	}
	m.index(doc)
	m.nodes[node.ID] = doc
}

func (m *MemoryIndex) index(doc *nodeDoc) {
	doc.tf = termFrequencies(doc.node.Properties, doc.content)
	for term := range doc.tf {
		if m.postings[term] == nil {
			m.postings[term] = make(map[int64]struct{})
		}
		m.postings[term][doc.node.ID] = struct{}{}
		m.docFreq[term]++
	}
	if doc.node.AclID > 0 {
		m.aclRefs[doc.node.AclID]++
	}
}

func (m *MemoryIndex) unindex(doc *nodeDoc) {
	for term := range doc.tf {
		delete(m.postings[term], doc.node.ID)
		if len(m.postings[term]) == 0 {
			delete(m.postings, term)
		}
		if m.docFreq[term]--; m.docFreq[term] <= 0 {
			delete(m.docFreq, term)
		}
	}
	if doc.node.AclID > 0 {
		if m.aclRefs[doc.node.AclID]--; m.aclRefs[doc.node.AclID] <= 0 {
			delete(m.aclRefs, doc.node.AclID)
		}
	}
}

func (m *MemoryIndex) ApplyAcl(ctx context.Context, acl model.Acl) error {
	if err := acl.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	op := wal.OpUpsertAcl
	if acl.Deleted {
		op = wal.OpDeleteAcl
	}
	if err := m.record(op, acl); err != nil {
		return err
	}

	m.mu.Lock()
	m.applyAclLocked(acl)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) applyAclLocked(acl model.Acl) {
	if cur, ok := m.acls[acl.ID]; ok && cur.ChangeSetID > acl.ChangeSetID {
		return
	}
	if acl.Deleted {
		delete(m.acls, acl.ID)
		return
	}
	acl.Readers = slices.Clone(acl.Readers)
	acl.Denied = slices.Clone(acl.Denied)
	m.acls[acl.ID] = acl
}

// ApplyContent attaches text to an indexed node. Content for a node that is
// not indexed here, or older than content already held, is ignored.
func (m *MemoryIndex) ApplyContent(ctx context.Context, nodeID, txID int64, text string) error {
	if nodeID <= 0 || txID <= 0 {
		return fmt.Errorf("%w: content for node %d at tx %d", model.ErrMalformed, nodeID, txID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.record(wal.OpContent, contentRecord{NodeID: nodeID, TxID: txID, Text: text}); err != nil {
		return err
	}

	m.mu.Lock()
	m.applyContentLocked(nodeID, txID, text)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) applyContentLocked(nodeID, txID int64, text string) {
	doc, ok := m.nodes[nodeID]
	if !ok || doc.contentTxID > txID {
		return
	}
	m.unindex(doc)
	doc.content = text
	doc.contentTxID = txID
	m.index(doc)
	if dirtyTx, ok := m.dirty[nodeID]; ok && dirtyTx <= txID {
		delete(m.dirty, nodeID)
	}
}

func (m *MemoryIndex) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}

	start := time.Now()
	written := 0
	if m.journal != nil {
		n, err := m.journal.Commit()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		written = n
	}
	if m.metrics != nil {
		m.metrics.RecordCommit(time.Since(start), written)
	}
	m.publishCounts()
	return nil
}

func (m *MemoryIndex) publishCounts() {
	if m.metrics == nil {
		return
	}
	m.metrics.SetIndexDocuments(string(model.KindNode), m.EntityCount(model.KindNode))
	m.metrics.SetIndexDocuments(string(model.KindAcl), m.EntityCount(model.KindAcl))
}

func (m *MemoryIndex) EntityCount(kind model.EntityKind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch kind {
	case model.KindNode:
		return len(m.nodes)
	case model.KindAcl:
		return len(m.acls)
	default:
		return 0
	}
}

func (m *MemoryIndex) NodeTxID(id int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.nodes[id]
	if !ok {
		return 0, false
	}
	return doc.node.TxID, true
}

func (m *MemoryIndex) AclTxID(id int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acl, ok := m.acls[id]
	if !ok {
		return 0, false
	}
	return acl.ChangeSetID, true
}

func (m *MemoryIndex) AclDocCount(aclID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aclRefs[aclID]
}

// Search returns nodes containing every query term, best first. An empty
// query matches nothing.
func (m *MemoryIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return []Hit{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metrics != nil {
		m.metrics.IndexSearchesTotal.Inc()
	}

	// drive the intersection from the rarest term
	sort.Slice(terms, func(i, j int) bool { return m.docFreq[terms[i]] < m.docFreq[terms[j]] })

	hits := []Hit{}
	for id := range m.postings[terms[0]] {
		doc := m.nodes[id]
		if !m.matchesAll(doc, terms[1:]) || !m.readable(doc, q.Authorities) {
			continue
		}
		hits = append(hits, Hit{
			NodeID: id,
			TxID:   doc.node.TxID,
			AclID:  doc.node.AclID,
			Type:   doc.node.Type,
			Score:  score(doc.tf, terms, m.docFreq, len(m.nodes)),
		})
	}
	return rank(hits, q.Limit), nil
}

func (m *MemoryIndex) matchesAll(doc *nodeDoc, terms []string) bool {
	for _, term := range terms {
		if doc.tf[term] == 0 {
			return false
		}
	}
	return true
}

// readable applies ACL filtering. Nodes whose ACL is not indexed on this
// shard are hidden from filtered searches.
func (m *MemoryIndex) readable(doc *nodeDoc, authorities []string) bool {
	if len(authorities) == 0 {
		return true
	}
	acl, ok := m.acls[doc.node.AclID]
	if !ok {
		return false
	}
	granted := false
	for _, a := range authorities {
		if slices.Contains(acl.Denied, a) {
			return false
		}
		if slices.Contains(acl.Readers, a) {
			granted = true
		}
	}
	return granted
}

func (m *MemoryIndex) DirtyContent(sinceTxID int64, limit int) []DirtyDoc {
	m.mu.RLock()
	out := make([]DirtyDoc, 0, len(m.dirty))
	for id, tx := range m.dirty {
		if tx > sinceTxID {
			out = append(out, DirtyDoc{NodeID: id, TxID: tx})
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TxID != out[j].TxID {
			return out[i].TxID < out[j].TxID
		}
		return out[i].NodeID < out[j].NodeID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryIndex) ContentHighWater() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.highWater
}

func (m *MemoryIndex) Purge(ctx context.Context, kind model.EntityKind) error {
	if kind != model.KindNode && kind != model.KindAcl {
		return fmt.Errorf("index: cannot purge %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	if err := m.record(wal.OpPurge, purgeRecord{Kind: kind}); err != nil {
		return err
	}

	m.mu.Lock()
	n := m.purgeLocked(kind)
	m.mu.Unlock()
	m.logger.Warn("index purged", logging.String("kind", string(kind)), logging.Count(n))
	return nil
}

func (m *MemoryIndex) purgeLocked(kind model.EntityKind) int {
	switch kind {
	case model.KindNode:
		n := len(m.nodes)
		acls := m.acls
		m.clear()
		m.acls = acls
		return n
	case model.KindAcl:
		n := len(m.acls)
		m.acls = make(map[int64]model.Acl)
		return n
	}
	return 0
}

func (m *MemoryIndex) PruneDeleted(throughTxID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, tx := range m.deleted {
		if tx <= throughTxID {
			delete(m.deleted, id)
			pruned++
		}
	}
	return pruned
}

func (m *MemoryIndex) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isClosed() {
		return ErrClosed
	}
	if m.journal != nil {
		if err := m.journal.Reset(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	m.mu.Lock()
	m.clear()
	m.mu.Unlock()
	m.publishCounts()
	m.logger.Warn("index reset")
	return nil
}

func (m *MemoryIndex) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close closes the journal. Uncommitted applies are lost on restart.
func (m *MemoryIndex) Close() error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.journal != nil {
		return m.journal.Close()
	}
	return nil
}

var _ Engine = (*MemoryIndex)(nil)
