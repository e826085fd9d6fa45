package master

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
)

// msgRecord is one row of spec.md §3's msg_buf: keyed by (SendNode,
// SendID), carrying the master-assigned RecvID. Once inserted it is
// never mutated or removed.
type msgRecord struct {
	SendNode int
	SendID   int64
	RecvNode int
	RecvID   int64
	Payload  []byte
}

var msgBufSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"message": {
			Name: "message",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.IntFieldIndex{Field: "SendNode"},
							&memdb.IntFieldIndex{Field: "SendID"},
						},
					},
				},
				"recv_node": {
					Name:    "recv_node",
					Unique:  false,
					Indexer: &memdb.IntFieldIndex{Field: "RecvNode"},
				},
			},
		},
	},
}

// MsgBuffer is the master's append-only message log, indexed both by
// the sender's (send_node, send_id) for O(1) dedup lookups (spec.md
// §4.2.5 step 1) and by recv_node for replay scans (spec.md §4.2.4).
// A plain map keyed by a composite string would do the first; memdb
// gives us the second index for free over the same storage.
type MsgBuffer struct {
	db *memdb.MemDB
}

// NewMsgBuffer returns an empty message buffer.
func NewMsgBuffer() *MsgBuffer {
	db, err := memdb.NewMemDB(msgBufSchema)
	if err != nil {
		panic(fmt.Sprintf("master: invalid msg_buf schema: %v", err))
	}
	return &MsgBuffer{db: db}
}

// Lookup returns the stored record for (sendNode, sendID), if any.
func (b *MsgBuffer) Lookup(sendNode int, sendID int64) (msgRecord, bool) {
	txn := b.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("message", "id", sendNode, sendID)
	if err != nil || raw == nil {
		return msgRecord{}, false
	}
	return *raw.(*msgRecord), true
}

// Insert appends a new, immutable record. Callers must already have
// deduplicated via Lookup — Insert does not check.
func (b *MsgBuffer) Insert(rec msgRecord) {
	txn := b.db.Txn(true)
	if err := txn.Insert("message", &rec); err != nil {
		txn.Abort()
		panic(fmt.Sprintf("master: msg_buf insert (%d,%d): %v", rec.SendNode, rec.SendID, err))
	}
	txn.Commit()
}

// ForRecvNode returns every buffered record addressed to recvNode, used
// to replay a newly LIVE attempt's history (spec.md §4.2.4).
func (b *MsgBuffer) ForRecvNode(recvNode int) []msgRecord {
	txn := b.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("message", "recv_node", recvNode)
	if err != nil {
		return nil
	}

	var out []msgRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*msgRecord))
	}
	return out
}

// Len returns the total number of buffered records across all nodes,
// for metrics.
func (b *MsgBuffer) Len() int {
	txn := b.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("message", "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}
