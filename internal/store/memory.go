package store

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/types"
)

const memoryBtreeDegree = 16

type rowItem struct {
	key    models.Key
	values []types.Value
}

// Less implements the btree.Item interface.
func (r *rowItem) Less(than btree.Item) bool {
	return r.key.Compare(than.(*rowItem).key) < 0
}

// Memory keeps rows in one btree per table. Items are never mutated in
// place, so a failed Apply is rolled back by dropping cloned trees.
type Memory struct {
	logger *logrus.Logger

	mu     sync.RWMutex
	tables map[string]*btree.BTree
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory(logger *logrus.Logger) *Memory {
	return &Memory{
		logger: logger,
		tables: make(map[string]*btree.BTree),
	}
}

// Read returns the values of cols for the row at key.
func (m *Memory) Read(ctx context.Context, t *schema.Table, key models.Key, cols []*schema.Column) ([]types.Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tree := m.tables[t.Name()]
	if tree == nil {
		return nil, ErrNotFound
	}
	item := tree.Get(&rowItem{key: key})
	if item == nil {
		return nil, ErrNotFound
	}
	return Project(item.(*rowItem).values, cols), nil
}

// Scan calls fn for every row of t in key order.
func (m *Memory) Scan(ctx context.Context, t *schema.Table, cols []*schema.Column, fn ScanFunc) error {
	var rows []*rowItem
	m.mu.RLock()
	if tree := m.tables[t.Name()]; tree != nil {
		rows = make([]*rowItem, 0, tree.Len())
		tree.Ascend(func(i btree.Item) bool {
			rows = append(rows, i.(*rowItem))
			return true
		})
	}
	m.mu.RUnlock()
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row.key, Project(row.values, cols)); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes ops in order. Either every op is applied or none is.
func (m *Memory) Apply(ctx context.Context, ops []models.WriteOp) error {
	if err := ValidateBatch(ops); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]*btree.BTree)
	for _, op := range ops {
		name := models.TableOf(op).Name()
		tree := staged[name]
		if tree == nil {
			if cur := m.tables[name]; cur != nil {
				tree = cur.Clone()
			} else {
				tree = btree.New(memoryBtreeDegree)
			}
			staged[name] = tree
		}
		probe := &rowItem{key: models.KeyOf(op)}
		var current []types.Value
		if item := tree.Get(probe); item != nil {
			current = item.(*rowItem).values
		}
		next, err := NextRow(op, current)
		if err != nil {
			return err
		}
		if next == nil {
			tree.Delete(probe)
			continue
		}
		tree.ReplaceOrInsert(&rowItem{key: probe.key, values: next})
	}
	for name, tree := range staged {
		m.tables[name] = tree
	}
	m.logger.Debugf("memory store applied %d ops across %d tables", len(ops), len(staged))
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
