package nats

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"changestream-cdc/internal/changestream"
	"changestream-cdc/internal/models"
	"changestream-cdc/internal/types"
)

// MsgIDHeader carries a per-record id so JetStream can drop redeliveries
// of a transaction replayed after a restart.
const MsgIDHeader = "Nats-Msg-Id"

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	PublishMsg(m *nats.Msg) error
	Flush() error
	Close()
}

// Publisher handles publishing data change records to NATS
type Publisher struct {
	conn          Conn
	subjectPrefix string
	logger        *logrus.Logger
}

// NewPublisher creates a new NATS publisher
func NewPublisher(url, subjectPrefix string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to NATS")
	}

	logger.Infof("Connected to NATS at %s", url)

	return NewPublisherWithConn(conn, subjectPrefix, logger), nil
}

// NewPublisherWithConn wraps an established connection.
func NewPublisherWithConn(conn Conn, subjectPrefix string, logger *logrus.Logger) *Publisher {
	return &Publisher{
		conn:          conn,
		subjectPrefix: strings.TrimSuffix(subjectPrefix, "."),
		logger:        logger,
	}
}

// Subject is the subject records of stream are published on.
func (p *Publisher) Subject(stream string) string {
	return p.subjectPrefix + "." + stream
}

// MsgID identifies a record across redeliveries.
func MsgID(stream string, r *models.DataChangeRecord) string {
	return strings.Join([]string{stream, r.PartitionToken, r.ServerTransactionID, r.RecordSequence}, "/")
}

// Publish publishes one data change record as JSON
func (p *Publisher) Publish(rec changestream.EmittedRecord) error {
	data, err := types.JSONAPI().Marshal(rec.Record)
	if err != nil {
		return errors.Wrap(err, "failed to marshal record")
	}

	name := rec.Stream.Name()
	msg := nats.NewMsg(p.Subject(name))
	msg.Data = data
	msg.Header.Set(MsgIDHeader, MsgID(name, rec.Record))

	if err := p.conn.PublishMsg(msg); err != nil {
		return errors.Wrap(err, "failed to publish to NATS")
	}

	p.logger.Debugf("Published %s record %s for %s on %s", rec.Record.ModType, rec.Record.RecordSequence, rec.Record.TableName, msg.Subject)
	return nil
}

// Flush waits until the server has processed every published record.
func (p *Publisher) Flush() error {
	if err := p.conn.Flush(); err != nil {
		return errors.Wrap(err, "failed to flush NATS connection")
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
