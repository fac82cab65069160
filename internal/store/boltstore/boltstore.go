// Package boltstore is a store.Store persisted in a Bolt file. Every table
// is a bucket; keys and rows are stored as JSON arrays of column values.
package boltstore

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/store"
	"changestream-cdc/internal/types"
)

var (
	defaultTimeout = 1 * time.Second
)

const (
	// fileMode sets permissions so owner can read and write
	fileMode = 0600
)

// Store is the Bolt backed row store.
type Store struct {
	logger *logrus.Logger
	db     *bolt.DB
	Path   string
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the Bolt file at path.
func Open(logger *logrus.Logger, path string) (*Store, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open store %s", path)
	}
	logger.Infof("Opened row store at %s", path)
	return &Store{
		logger: logger,
		db:     db,
		Path:   path,
	}, nil
}

// Close closes the Bolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeValues(values []types.Value) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := v.JSON()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func decodeRow(t *schema.Table, data []byte) ([]types.Value, error) {
	elems := gjson.ParseBytes(data).Array()
	cols := t.Columns()
	if len(elems) != len(cols) {
		return nil, errors.Newf("row of %s has %d values, want %d", t.Name(), len(elems), len(cols))
	}
	row := make([]types.Value, len(cols))
	for i, e := range elems {
		v, err := types.DecodeJSON(cols[i].Type(), []byte(e.Raw))
		if err != nil {
			return nil, errors.Wrapf(err, "column %s", cols[i])
		}
		row[i] = v
	}
	return row, nil
}

// Read returns the values of cols for the row at key.
func (s *Store) Read(ctx context.Context, t *schema.Table, key models.Key, cols []*schema.Column) ([]types.Value, error) {
	k, err := encodeValues(key)
	if err != nil {
		return nil, err
	}
	var row []types.Value
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.Name()))
		if b == nil {
			return store.ErrNotFound
		}
		data := b.Get(k)
		if data == nil {
			return store.ErrNotFound
		}
		row, err = decodeRow(t, data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return store.Project(row, cols), nil
}

// Scan decodes every row of t, then visits them in key order.
func (s *Store) Scan(ctx context.Context, t *schema.Table, cols []*schema.Column, fn store.ScanFunc) error {
	type entry struct {
		key models.Key
		row []types.Value
	}
	var entries []entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.Name()))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, data []byte) error {
			row, err := decodeRow(t, data)
			if err != nil {
				return err
			}
			entries = append(entries, entry{key: store.Project(row, t.PrimaryKey()), row: row})
			return nil
		})
	})
	if err != nil {
		return errors.Wrapf(err, "failed to scan %s", t.Name())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key.Compare(entries[j].key) < 0 })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.key, store.Project(e.row, cols)); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes ops in one Bolt transaction.
func (s *Store) Apply(ctx context.Context, ops []models.WriteOp) error {
	if err := store.ValidateBatch(ops); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			t := models.TableOf(op)
			b, err := tx.CreateBucketIfNotExists([]byte(t.Name()))
			if err != nil {
				return errors.Wrapf(err, "failed to create bucket %s", t.Name())
			}
			k, err := encodeValues(models.KeyOf(op))
			if err != nil {
				return err
			}
			var current []types.Value
			if data := b.Get(k); data != nil {
				if current, err = decodeRow(t, data); err != nil {
					return err
				}
			}
			next, err := store.NextRow(op, current)
			if err != nil {
				return err
			}
			if next == nil {
				if err := b.Delete(k); err != nil {
					return errors.Wrapf(err, "failed to delete from %s", t.Name())
				}
				continue
			}
			data, err := encodeValues(next)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return errors.Wrapf(err, "failed to write to %s", t.Name())
			}
		}
		s.logger.Debugf("bolt store applied %d ops", len(ops))
		return nil
	})
}
