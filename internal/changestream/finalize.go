package changestream

import (
	"github.com/cockroachdb/errors"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
)

// Streams returns the change streams holding at least one record, in the
// order their first record was opened.
func (tx *Txn) Streams() []*schema.ChangeStream {
	seen := make(map[*schema.ChangeStream]bool)
	var out []*schema.ChangeStream
	for _, r := range tx.order {
		if !seen[r.stream] {
			seen[r.stream] = true
			out = append(out, r.stream)
		}
	}
	return out
}

// Finalize closes every open record, stamps the transaction-wide fields
// and returns one insert into the stream's data table per record, in the
// order records were opened. partitions holds the number of active
// partitions of every stream returned by Streams.
func (tx *Txn) Finalize(partitions map[*schema.ChangeStream]int64) ([]models.WriteOp, error) {
	if tx.finalized {
		return nil, errors.AssertionFailedf("transaction %d finalized twice", tx.id)
	}
	for cs := range tx.streams {
		if _, ok := partitions[cs]; !ok {
			return nil, errors.AssertionFailedf("no partition count for change stream %s", cs.Name())
		}
	}
	for cs, st := range tx.streams {
		st.open = nil
		n := len(st.records)
		for i, r := range st.records {
			r.dcr.RecordSequence = models.RecordSequenceFor(i)
			r.dcr.IsLastRecordInTransactionInPartition = i == n-1
			r.dcr.NumberOfRecordsInTransaction = int64(n)
			r.dcr.NumberOfPartitionsInTransaction = partitions[cs]
		}
	}
	ops := make([]models.WriteOp, 0, len(tx.order))
	emitted := make([]EmittedRecord, 0, len(tx.order))
	for _, r := range tx.order {
		ops = append(ops, r.dcr.InsertOp(r.stream.DataTable()))
		emitted = append(emitted, EmittedRecord{Stream: r.stream, Record: r.dcr})
	}
	tx.emitted = emitted
	tx.finalized = true
	return ops, nil
}
