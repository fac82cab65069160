package binlog

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"
)

// ReadTimeout bounds one wait for the next event.
const ReadTimeout = 10 * time.Second

// Reader handles reading binlog events from MySQL
type Reader struct {
	syncer       *replication.BinlogSyncer
	streamer     *replication.BinlogStreamer
	position     mysql.Position
	positionFile string
	currentFile  string
	logger       *logrus.Logger
}

// NewReader starts replication from the saved position, or from startPos
// of the current binlog when no position was saved yet.
func NewReader(host string, port int, user, password string, serverID uint32, flavor string, positionFile string, startPos uint32, logger *logrus.Logger) (*Reader, error) {
	if flavor == "" {
		flavor = "mysql"
	}

	cfg := replication.BinlogSyncerConfig{
		ServerID:   serverID,
		Flavor:     flavor,
		Host:       host,
		Port:       uint16(port),
		User:       user,
		Password:   password,
		UseDecimal: true,
		ParseTime:  true,
	}

	syncer := replication.NewBinlogSyncer(cfg)

	position, err := LoadPosition(positionFile)
	if err != nil {
		syncer.Close()
		return nil, err
	}
	if position.Name == "" {
		position.Pos = startPos
	} else {
		logger.Infof("Loaded binlog position from file: %s:%d", position.Name, position.Pos)
	}

	streamer, err := syncer.StartSync(position)
	if err != nil {
		syncer.Close()
		return nil, errors.Wrap(err, "failed to start binlog sync")
	}

	logger.Infof("Started binlog sync from position: %s:%d", position.Name, position.Pos)

	return &Reader{
		syncer:       syncer,
		streamer:     streamer,
		position:     position,
		positionFile: positionFile,
		currentFile:  position.Name,
		logger:       logger,
	}, nil
}

// LoadPosition reads a "filename:position" file. A missing or empty file
// yields the zero position; a file holding only a name starts at offset 0.
func LoadPosition(path string) (mysql.Position, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return mysql.Position{}, nil
	}
	if err != nil {
		return mysql.Position{}, errors.Wrap(err, "failed to read position file")
	}
	return ParsePosition(strings.TrimSpace(string(data))), nil
}

// ParsePosition splits at the last colon so file names may contain colons.
func ParsePosition(s string) mysql.Position {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return mysql.Position{Name: s}
	}
	pos, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil {
		// Fallback to old format (just filename)
		return mysql.Position{Name: s}
	}
	return mysql.Position{Name: s[:i], Pos: uint32(pos)}
}

// Position is the last saved position.
func (r *Reader) Position() mysql.Position { return r.position }

// SavePosition saves the binlog position to file. An empty name keeps the
// current binlog file.
func (r *Reader) SavePosition(name string, pos uint32) error {
	if name == "" {
		name = r.currentFile
	}
	if name == "" {
		return nil
	}
	posStr := fmt.Sprintf("%s:%d", name, pos)
	if err := os.WriteFile(r.positionFile, []byte(posStr), 0644); err != nil {
		return errors.Wrap(err, "failed to save position")
	}
	r.position.Name = name
	r.position.Pos = pos
	r.currentFile = name
	return nil
}

// ReadEvent reads the next binlog event, waiting at most ReadTimeout. The
// position is not saved here: callers save it once a transaction is
// durable.
func (r *Reader) ReadEvent(ctx context.Context) (*replication.BinlogEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, ReadTimeout)
	defer cancel()

	event, err := r.streamer.GetEvent(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get binlog event")
	}

	if e, ok := event.Event.(*replication.RotateEvent); ok {
		r.currentFile = string(e.NextLogName)
	}
	return event, nil
}

// Close closes the binlog reader
func (r *Reader) Close() {
	if r.syncer != nil {
		r.syncer.Close()
	}
}
