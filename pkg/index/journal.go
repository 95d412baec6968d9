package index

import (
	"encoding/json"
	"fmt"

	"github.com/dd0wney/cluso-shardsync/pkg/model"
	"github.com/dd0wney/cluso-shardsync/pkg/wal"
)

type purgeRecord struct {
	Kind model.EntityKind `json:"kind"`
}

type contentRecord struct {
	NodeID int64  `json:"nodeId"`
	TxID   int64  `json:"txId"`
	Text   string `json:"text"`
}

func encodeRecord(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode journal record: %w", err)
	}
	return data, nil
}

// replay rebuilds memory state from committed journal entries. Must be
// called before the index is shared.
func (m *MemoryIndex) replay() error {
	return m.journal.Replay(func(e wal.Entry) error {
		switch e.OpType {
		case wal.OpUpsertNode, wal.OpDeleteNode:
			var n model.Node
			if err := json.Unmarshal(e.Data, &n); err != nil {
				return fmt.Errorf("journal entry %d: %w", e.LSN, err)
			}
			m.applyNodeLocked(n)
		case wal.OpUpsertAcl, wal.OpDeleteAcl:
			var a model.Acl
			if err := json.Unmarshal(e.Data, &a); err != nil {
				return fmt.Errorf("journal entry %d: %w", e.LSN, err)
			}
			m.applyAclLocked(a)
		case wal.OpContent:
			var c contentRecord
			if err := json.Unmarshal(e.Data, &c); err != nil {
				return fmt.Errorf("journal entry %d: %w", e.LSN, err)
			}
			m.applyContentLocked(c.NodeID, c.TxID, c.Text)
		case wal.OpPurge:
			var p purgeRecord
			if err := json.Unmarshal(e.Data, &p); err != nil {
				return fmt.Errorf("journal entry %d: %w", e.LSN, err)
			}
			m.purgeLocked(p.Kind)
		default:
			return fmt.Errorf("journal entry %d: unknown op %d", e.LSN, e.OpType)
		}
		return nil
	})
}
