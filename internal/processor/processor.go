// Package processor assembles binlog row events into transactions, runs
// them through the change stream encoder and publishes the records.
package processor

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/catalog"
	"changestream-cdc/internal/changestream"
	"changestream-cdc/internal/models"
	"changestream-cdc/internal/store"
)

// Reader interface for reading binlog events
type Reader interface {
	ReadEvent(ctx context.Context) (*replication.BinlogEvent, error)
	SavePosition(name string, pos uint32) error
}

// Publisher interface for publishing data change records
type Publisher interface {
	Publish(rec changestream.EmittedRecord) error
	Flush() error
}

// Processor turns committed binlog transactions into data change records.
// It is driven by a single goroutine.
type Processor struct {
	reader    Reader
	publisher Publisher
	catalog   *catalog.Catalog
	encoder   *changestream.Encoder
	store     store.ReadWriter
	logger    *logrus.Logger

	// row changes of the open transaction, in binlog order
	pending []catalog.Change
}

// NewProcessor creates a new event processor
func NewProcessor(reader Reader, publisher Publisher, cat *catalog.Catalog, st store.ReadWriter, logger *logrus.Logger) *Processor {
	return &Processor{
		reader:    reader,
		publisher: publisher,
		catalog:   cat,
		encoder:   changestream.NewEncoder(cat.Schema(), st, logger),
		store:     st,
		logger:    logger,
	}
}

// rowsEventKind maps a rows event header to the kind of its rows.
func rowsEventKind(t replication.EventType) (models.ModType, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.ModInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.ModUpdate, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.ModDelete, true
	}
	return "", false
}

// ProcessRowEvent decodes the rows of event and buffers them until the
// transaction commits.
func (p *Processor) ProcessRowEvent(event *replication.RowsEvent, kind models.ModType) error {
	database := string(event.Table.Schema)
	name := string(event.Table.Table)
	table := p.catalog.Table(database, name)
	if table == nil {
		p.logger.Debugf("Ignoring %s event for untracked table %s.%s", kind, database, name)
		return nil
	}
	changes, err := table.Changes(kind, event.Rows)
	if err != nil {
		return errors.Wrapf(err, "failed to decode %s event for %s.%s", kind, database, name)
	}
	p.pending = append(p.pending, changes...)
	return nil
}

// HandleEvent applies one binlog event.
func (p *Processor) HandleEvent(ctx context.Context, event *replication.BinlogEvent) error {
	switch e := event.Event.(type) {
	case *replication.TableMapEvent:
		p.logger.Debugf("Table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)

	case *replication.RowsEvent:
		kind, ok := rowsEventKind(event.Header.EventType)
		if !ok {
			p.logger.Debugf("Unhandled row event type: %d", event.Header.EventType)
			return nil
		}
		return p.ProcessRowEvent(e, kind)

	case *replication.XIDEvent:
		return p.Commit(ctx, int64(e.XID), eventTime(event.Header), event.Header.LogPos)

	case *replication.QueryEvent:
		query := strings.ToUpper(strings.TrimSpace(string(e.Query)))
		switch {
		case query == "BEGIN":
			if len(p.pending) > 0 {
				p.logger.Warnf("Discarding %d uncommitted row changes at BEGIN", len(p.pending))
			}
			p.pending = nil
		case query == "COMMIT":
			// Non-transactional engines end their group with a COMMIT
			// query instead of an XID event.
			return p.Commit(ctx, int64(event.Header.LogPos), eventTime(event.Header), event.Header.LogPos)
		case isDDL(query):
			p.logger.Warnf("Schema change in %s: %s; restart to reload the catalog", string(e.Schema), string(e.Query))
		default:
			p.logger.Debugf("Query event: %s", string(e.Query))
		}

	case *replication.RotateEvent:
		p.logger.Infof("Binlog rotated to: %s", string(e.NextLogName))

	default:
		p.logger.Debugf("Unhandled event type: %T", e)
	}
	return nil
}

func eventTime(h *replication.EventHeader) time.Time {
	return time.Unix(int64(h.Timestamp), 0).UTC()
}

func isDDL(query string) bool {
	for _, prefix := range []string{"ALTER ", "CREATE ", "DROP ", "RENAME ", "TRUNCATE "} {
		if strings.HasPrefix(query, prefix) {
			return true
		}
	}
	return false
}

// Commit encodes the buffered changes as transaction txnID, applies the
// base rows and the data change records to the store in one batch,
// publishes the records and saves pos. A transaction whose records are
// already stored is only republished.
func (p *Processor) Commit(ctx context.Context, txnID int64, commitTS time.Time, pos uint32) error {
	changes := p.pending
	p.pending = nil

	if len(changes) > 0 {
		tx := changestream.NewTxn(txnID, commitTS)
		ops := make([]models.WriteOp, len(changes))
		for i, c := range changes {
			ops[i] = c.Op
			// The first change of a key carries the row as it was before
			// the transaction.
			tx.SeedImage(models.TableOf(c.Op), models.KeyOf(c.Op), c.Before)
		}
		ops = changestream.ResolveCommitTimestamps(ops, commitTS)

		records, err := p.encoder.Encode(ctx, tx, ops)
		if err != nil {
			return errors.Wrapf(err, "failed to encode transaction %d", txnID)
		}
		applied, err := p.applied(ctx, tx)
		if err != nil {
			return errors.Wrapf(err, "failed to check transaction %d", txnID)
		}
		if applied {
			p.logger.Warnf("Transaction %d is already in the store, republishing it", txnID)
		} else {
			batch := append(mirrorOps(changes), records...)
			if err := p.store.Apply(ctx, batch); err != nil {
				return errors.Wrapf(err, "failed to apply transaction %d", txnID)
			}
		}

		for _, rec := range tx.Emitted() {
			if err := p.publisher.Publish(rec); err != nil {
				return errors.Wrapf(err, "failed to publish transaction %d", txnID)
			}
		}
		if len(tx.Emitted()) > 0 {
			if err := p.publisher.Flush(); err != nil {
				return err
			}
		}
		p.logger.Infof("Processed transaction %d: %d row changes, %d records", txnID, len(changes), len(records))
	}

	return p.reader.SavePosition("", pos)
}

// applied reports whether an earlier run already stored the records of tx
// and stopped before saving its position. Records are keyed by partition,
// commit timestamp, transaction id and sequence, so a replay encodes the
// same keys.
func (p *Processor) applied(ctx context.Context, tx *changestream.Txn) (bool, error) {
	emitted := tx.Emitted()
	if len(emitted) == 0 {
		return false, nil
	}
	first := emitted[0]
	data := first.Stream.DataTable()
	_, err := p.store.Read(ctx, data, first.Record.Key(), data.PrimaryKey())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, err
}

// mirrorOps rewrites row changes as full-row writes that hold whether or
// not the store already has the row, since the store only sees rows
// changed after replication started.
func mirrorOps(changes []catalog.Change) []models.WriteOp {
	ops := make([]models.WriteOp, 0, 2*len(changes))
	for _, c := range changes {
		t, key := models.TableOf(c.Op), models.KeyOf(c.Op)
		ops = append(ops, &models.DeleteOp{Table: t, Key: key})
		if c.After != nil {
			ops = append(ops, &models.InsertOp{Table: t, Key: key, Columns: t.Columns(), Values: c.After})
		}
	}
	return ops
}

// Start starts processing binlog events
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting event processor...")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Context cancelled, stopping event processor")
			return nil
		default:
		}

		event, err := p.reader.ReadEvent(ctx)
		if err != nil {
			// A timeout is expected when there are no events.
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			p.logger.Errorf("Error reading binlog event: %v", err)
			time.Sleep(1 * time.Second)
			continue
		}

		if err := p.HandleEvent(ctx, event); err != nil {
			// The position of a failed transaction is never saved.
			return err
		}
	}
}
