// Package partition reads the partition table of a change stream to find
// the partitions a transaction writes its data change records into.
package partition

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"changestream-cdc/internal/models"
	"changestream-cdc/internal/schema"
	"changestream-cdc/internal/store"
	"changestream-cdc/internal/types"
)

// ErrNoActivePartition is returned when a change stream has no partition
// with a null end_time.
var ErrNoActivePartition = errors.New("no active partition")

// Lookup answers partition questions from committed state.
type Lookup struct {
	reader store.Reader
}

// New returns a Lookup reading partition tables through reader.
func New(reader store.Reader) *Lookup {
	return &Lookup{reader: reader}
}

// ActiveTokens returns the sorted tokens of the active partitions covering
// key. Partitions are never split here, so every active partition spans
// the whole key space.
func (l *Lookup) ActiveTokens(ctx context.Context, cs *schema.ChangeStream, key models.Key) ([]string, error) {
	t := cs.PartitionTable()
	cols := []*schema.Column{t.FindColumn(schema.PartitionTokenColumn), t.FindColumn(schema.EndTimeColumn)}
	var tokens []string
	err := l.reader.Scan(ctx, t, cols, func(_ models.Key, values []types.Value) error {
		if values[1].IsNull() {
			tokens = append(tokens, values[0].StringValue())
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan partitions of change stream %s", cs.Name())
	}
	if len(tokens) == 0 {
		return nil, errors.Wrapf(ErrNoActivePartition, "change stream %s", cs.Name())
	}
	return tokens, nil
}

// TokenFor picks the partition a record for key is written to.
func (l *Lookup) TokenFor(ctx context.Context, cs *schema.ChangeStream, key models.Key) (string, error) {
	tokens, err := l.ActiveTokens(ctx, cs, key)
	if err != nil {
		return "", err
	}
	return tokens[0], nil
}

// CountActive returns the number of active partitions of cs.
func (l *Lookup) CountActive(ctx context.Context, cs *schema.ChangeStream) (int64, error) {
	tokens, err := l.ActiveTokens(ctx, cs, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(tokens)), nil
}

// Seed writes an initial active partition for cs and returns its token.
// An empty token is replaced with a random one.
func Seed(ctx context.Context, w store.Writer, cs *schema.ChangeStream, token string, start time.Time) (string, error) {
	if token == "" {
		token = uuid.New().String()
	}
	t := cs.PartitionTable()
	op := &models.InsertOp{
		Table:   t,
		Key:     models.Key{types.String(token)},
		Columns: t.Columns(),
		Values: []types.Value{
			types.String(token),
			types.Timestamp(start),
			types.Null(types.TimestampType),
			types.StringArray(),
			types.StringArray(),
		},
	}
	if err := w.Apply(ctx, []models.WriteOp{op}); err != nil {
		return "", errors.Wrapf(err, "failed to seed partition of change stream %s", cs.Name())
	}
	return token, nil
}

// EnsureSeeded seeds cs unless it already has an active partition.
func EnsureSeeded(ctx context.Context, rw store.ReadWriter, cs *schema.ChangeStream, start time.Time) (string, error) {
	token, err := New(rw).TokenFor(ctx, cs, nil)
	switch {
	case err == nil:
		return token, nil
	case !errors.Is(err, ErrNoActivePartition):
		return "", err
	}
	return Seed(ctx, rw, cs, "", start)
}
