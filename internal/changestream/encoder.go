// Package changestream turns the buffered mutations of a committing
// transaction into data change records for every change stream watching
// the mutated tables.
package changestream

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/partition"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/store"
)

// Encoder builds change stream writes against committed state. It holds
// no per-transaction state and may be shared.
type Encoder struct {
	schema     *schema.Schema
	reader     store.Reader
	partitions *partition.Lookup
	logger     *logrus.Logger
}

// NewEncoder creates an encoder reading partitions and row images from
// reader.
func NewEncoder(s *schema.Schema, reader store.Reader, logger *logrus.Logger) *Encoder {
	return &Encoder{
		schema:     s,
		reader:     reader,
		partitions: partition.New(reader),
		logger:     logger,
	}
}

// Schema returns the catalog the encoder was built with.
func (e *Encoder) Schema() *schema.Schema { return e.schema }

// LogMutation classifies one buffered mutation into tx for every change
// stream tracking its table. op must already carry resolved commit
// timestamps.
func (e *Encoder) LogMutation(ctx context.Context, tx *Txn, op models.WriteOp) error {
	t := models.TableOf(op)
	streams := e.schema.ChangeStreamsFor(t)
	if len(streams) == 0 {
		return nil
	}
	needImage := false
	for _, cs := range streams {
		capture := cs.ValueCaptureType()
		needImage = needImage || capture.CapturesOldValues() || capture.CapturesNewRow()
	}
	var before rowImage
	if needImage {
		var err error
		if before, err = e.loadImage(ctx, tx, t, models.KeyOf(op)); err != nil {
			return err
		}
	}
	for _, cs := range streams {
		token, ok := tx.PartitionToken(cs)
		if !ok {
			var err error
			if token, err = e.partitions.TokenFor(ctx, cs, models.KeyOf(op)); err != nil {
				return errors.Wrapf(err, "failed to find partition for %s", t.Name())
			}
		}
		if err := tx.LogTableMod(op, cs, token, before.values); err != nil {
			return errors.Wrapf(err, "change stream %s", cs.Name())
		}
	}
	if needImage {
		tx.advanceImage(op, before)
	}
	return nil
}

func (e *Encoder) loadImage(ctx context.Context, tx *Txn, t *schema.Table, key models.Key) (rowImage, error) {
	if img, ok := tx.image(t, key); ok {
		return img, nil
	}
	values, err := e.reader.Read(ctx, t, key, t.Columns())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return rowImage{}, nil
	case err != nil:
		return rowImage{}, errors.Wrapf(err, "failed to read %s at %s", t.Name(), key)
	}
	return rowImage{values: values}, nil
}

// BuildMutation finalizes tx and returns the inserts into the change
// streams' data tables. Nothing is returned on error.
func (e *Encoder) BuildMutation(ctx context.Context, tx *Txn) ([]models.WriteOp, error) {
	partitions := make(map[*schema.ChangeStream]int64)
	for _, cs := range tx.Streams() {
		n, err := e.partitions.CountActive(ctx, cs)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count partitions of change stream %s", cs.Name())
		}
		partitions[cs] = n
	}
	ops, err := tx.Finalize(partitions)
	if err != nil {
		return nil, err
	}
	e.logger.Debugf("transaction %d produced %d data change records across %d change streams",
		tx.ID(), len(ops), len(partitions))
	return ops, nil
}

// Encode runs every op of a transaction through LogMutation and finalizes
// it. ops must already carry resolved commit timestamps.
func (e *Encoder) Encode(ctx context.Context, tx *Txn, ops []models.WriteOp) ([]models.WriteOp, error) {
	for i, op := range ops {
		if err := e.LogMutation(ctx, tx, op); err != nil {
			return nil, errors.Wrapf(err, "mutation %d", i)
		}
	}
	return e.BuildMutation(ctx, tx)
}

// BuildChangeStreamWriteOps resolves commit timestamps in ops and returns
// the data change record inserts of transaction txnID committing at
// commitTS.
func (e *Encoder) BuildChangeStreamWriteOps(ctx context.Context, ops []models.WriteOp, txnID int64, commitTS time.Time, opts ...TxnOption) ([]models.WriteOp, error) {
	return e.Encode(ctx, NewTxn(txnID, commitTS, opts...), ResolveCommitTimestamps(ops, commitTS))
}
