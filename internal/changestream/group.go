package changestream

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

// TxnOption configures a Txn.
type TxnOption func(*Txn)

// WithTransactionTag sets the transaction_tag of every record.
func WithTransactionTag(tag string) TxnOption {
	return func(tx *Txn) { tx.tag = tag }
}

// WithSystemTransaction marks records as written by a system transaction.
func WithSystemTransaction() TxnOption {
	return func(tx *Txn) { tx.system = true }
}

// Txn accumulates the data change records of one transaction. It is owned
// by a single committing transaction and is not safe for concurrent use.
type Txn struct {
	id       int64
	commitTS time.Time
	tag      string
	system   bool

	streams map[*schema.ChangeStream]*streamState
	// records in the order they were opened, across streams.
	order []*record
	// row images keyed by table name and key, for capture types that
	// need the row around a mutation.
	images map[string]rowImage

	emitted   []EmittedRecord
	finalized bool
}

type streamState struct {
	token   string
	records []*record
	open    *record
}

type record struct {
	stream    *schema.ChangeStream
	table     *schema.Table
	modType   models.ModType
	signature string
	dcr       *models.DataChangeRecord
}

type rowImage struct {
	values []types.Value
}

// EmittedRecord is a finalized record and the stream it belongs to.
type EmittedRecord struct {
	Stream *schema.ChangeStream
	Record *models.DataChangeRecord
}

// NewTxn starts collecting records for the transaction id committing at
// commitTS.
func NewTxn(id int64, commitTS time.Time, opts ...TxnOption) *Txn {
	tx := &Txn{
		id:       id,
		commitTS: commitTS.UTC(),
		streams:  make(map[*schema.ChangeStream]*streamState),
		images:   make(map[string]rowImage),
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// ID returns the server transaction id of the records.
func (tx *Txn) ID() int64 { return tx.id }

// CommitTimestamp returns the commit timestamp shared by every record.
func (tx *Txn) CommitTimestamp() time.Time { return tx.commitTS }

// PartitionToken returns the token cached for cs, if any.
func (tx *Txn) PartitionToken(cs *schema.ChangeStream) (string, bool) {
	st := tx.streams[cs]
	if st == nil || st.token == "" {
		return "", false
	}
	return st.token, true
}

// Records returns the records collected so far for cs, the open one
// included. Transaction-wide fields are only set after finalization.
func (tx *Txn) Records(cs *schema.ChangeStream) []*models.DataChangeRecord {
	st := tx.streams[cs]
	if st == nil {
		return nil
	}
	out := make([]*models.DataChangeRecord, len(st.records))
	for i, r := range st.records {
		out[i] = r.dcr
	}
	return out
}

// Emitted returns the finalized records in emission order.
func (tx *Txn) Emitted() []EmittedRecord { return tx.emitted }

// LogTableMod adds the mod of op for cs to the stream's open record, or
// opens a new record when the table, mod type or set of carried columns
// differs. partitionToken is the partition the stream writes into for this
// transaction; before is the row ahead of op (see BuildMod).
func (tx *Txn) LogTableMod(op models.WriteOp, cs *schema.ChangeStream, partitionToken string, before []types.Value) error {
	if tx.finalized {
		return errors.AssertionFailedf("transaction %d logged a mod after finalization", tx.id)
	}
	m, err := BuildMod(op, cs, before)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	st := tx.streams[cs]
	if st == nil {
		st = &streamState{}
		tx.streams[cs] = st
	}
	if st.token == "" {
		st.token = partitionToken
	} else if partitionToken != "" && partitionToken != st.token {
		return errors.AssertionFailedf("change stream %s switched partition from %s to %s within transaction %d",
			cs.Name(), st.token, partitionToken, tx.id)
	}

	sig := m.signature()
	if o := st.open; o != nil && o.table == m.Table && o.modType == m.ModType && o.signature == sig {
		o.dcr.Mods = append(o.dcr.Mods, m.Mod)
		return nil
	}
	r := &record{
		stream:    cs,
		table:     m.Table,
		modType:   m.ModType,
		signature: sig,
		dcr: &models.DataChangeRecord{
			PartitionToken:      st.token,
			CommitTimestamp:     tx.commitTS,
			ServerTransactionID: strconv.FormatInt(tx.id, 10),
			TableName:           m.Table.Name(),
			Mods:                []models.Mod{m.Mod},
			ModType:             m.ModType,
			ValueCaptureType:    string(cs.ValueCaptureType()),
			TransactionTag:      tx.tag,
			IsSystemTransaction: tx.system,
		},
	}
	r.dcr.SetColumnTypes(schema.BuildColumnDescriptors(cs.TrackedColumns(m.Table)))
	st.records = append(st.records, r)
	st.open = r
	tx.order = append(tx.order, r)
	return nil
}

func imageKey(t *schema.Table, key models.Key) string {
	return t.Name() + key.String()
}

func (tx *Txn) image(t *schema.Table, key models.Key) (rowImage, bool) {
	img, ok := tx.images[imageKey(t, key)]
	return img, ok
}

// SeedImage supplies the row at key as it was before the transaction, so
// capture modes needing it do not read the store. Nil values mean the row
// did not exist. Keys the transaction already touched keep their image.
func (tx *Txn) SeedImage(t *schema.Table, key models.Key, values []types.Value) {
	k := imageKey(t, key)
	if _, ok := tx.images[k]; ok {
		return
	}
	tx.images[k] = rowImage{values: values}
}

// advanceImage records the row after op. Missing rows on update are
// treated as empty; the store enforces existence on commit.
func (tx *Txn) advanceImage(op models.WriteOp, before rowImage) {
	t := models.TableOf(op)
	k := imageKey(t, models.KeyOf(op))
	var next []types.Value
	switch o := op.(type) {
	case *models.InsertOp, *models.UpdateOp:
		if before.values != nil {
			next = append([]types.Value(nil), before.values...)
		} else {
			next = make([]types.Value, len(t.Columns()))
			for i, c := range t.Columns() {
				next[i] = types.Null(c.Type())
			}
			for i, c := range t.PrimaryKey() {
				next[c.OrdinalPosition()-1] = models.KeyOf(op)[i]
			}
		}
		if _, isInsert := o.(*models.InsertOp); isInsert {
			for i, c := range t.Columns() {
				if !c.IsKey() {
					next[i] = types.Null(c.Type())
				}
			}
		}
		for i, c := range models.ColumnsOf(op) {
			next[c.OrdinalPosition()-1] = models.ValuesOf(op)[i]
		}
	case *models.DeleteOp:
	}
	tx.images[k] = rowImage{values: next}
}
