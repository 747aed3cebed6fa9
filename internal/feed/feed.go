// Package feed subscribes to the builder health and job outcome feeds on NATS.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
)

// Feed subjects.
const (
	SubjectHeartbeat = "buildfarm.builders.heartbeat"
	SubjectOutcome   = "buildfarm.jobs.outcome"

	// QueueGroup spreads messages across dispatchers sharing a database.
	QueueGroup = "buildfarm-dispatcher"
)

// ErrUnknownSubject is returned for messages on subjects the feed does not handle.
var ErrUnknownSubject = errors.New("unknown subject")

// Applier applies feed messages. scheduler.Handler implements it.
type Applier interface {
	Heartbeat(ctx context.Context, hb models.Heartbeat) (*models.Builder, error)
	Outcome(ctx context.Context, o models.Outcome) error
}

// Reply is sent to publishers that ask for one.
type Reply struct {
	OK        bool   `json:"ok"`
	BuilderID string `json:"builder_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Connect dials NATS and keeps reconnecting for the life of the process.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.Name(name),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Ping returns a health probe for nc that fails while it is disconnected or
// the server does not answer a flush.
func Ping(nc *nats.Conn) func(context.Context) error {
	return func(ctx context.Context) error {
		if !nc.IsConnected() {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nc.FlushWithContext(ctx)
	}
}

// Subscriber routes feed messages to an Applier.
type Subscriber struct {
	applier Applier
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.Mutex
	nc   *nats.Conn
	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber. Each message is handled within timeout.
func NewSubscriber(applier Applier, timeout time.Duration, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Subscriber{applier: applier, timeout: timeout, logger: logger}
}

// Subscribe starts consuming both subjects on nc.
func (s *Subscriber) Subscribe(nc *nats.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subject := range []string{SubjectHeartbeat, SubjectOutcome} {
		sub, err := nc.QueueSubscribe(subject, QueueGroup, s.onMessage)
		if err != nil {
			for _, prev := range s.subs {
				_ = prev.Unsubscribe()
			}
			s.subs = nil
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.nc = nc
	s.logger.Info("subscribed to feeds", "subjects", []string{SubjectHeartbeat, SubjectOutcome}, "queue_group", QueueGroup)
	return nil
}

func (s *Subscriber) onMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply, err := s.HandleMessage(ctx, msg.Subject, msg.Data)
	switch {
	case err == nil:
	case errors.Is(err, scheduler.ErrJobGone):
		s.logger.Info("dropping outcome for a job that is gone", "subject", msg.Subject)
	default:
		s.logger.Warn("feed message rejected", "subject", msg.Subject, "error", err)
	}

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("encoding feed reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("sending feed reply", "subject", msg.Subject, "error", err)
	}
}

// HandleMessage decodes and applies one message.
func (s *Subscriber) HandleMessage(ctx context.Context, subject string, data []byte) (Reply, error) {
	var err error
	reply := Reply{}

	switch subject {
	case SubjectHeartbeat:
		var hb models.Heartbeat
		if err = json.Unmarshal(data, &hb); err != nil {
			err = fmt.Errorf("decoding heartbeat: %w", err)
			break
		}
		var b *models.Builder
		if b, err = s.applier.Heartbeat(ctx, hb); err == nil {
			reply.BuilderID = b.ID
		}
	case SubjectOutcome:
		var o models.Outcome
		if err = json.Unmarshal(data, &o); err != nil {
			err = fmt.Errorf("decoding outcome: %w", err)
			break
		}
		err = s.applier.Outcome(ctx, o)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}

	if err != nil {
		reply.Error = err.Error()
		return reply, err
	}
	reply.OK = true
	return reply, nil
}

// Shutdown drains the subscriptions and the connection.
func (s *Subscriber) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	nc := s.nc
	s.nc = nil
	s.subs = nil
	s.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("draining nats: %w", err)
	}
	for nc.IsDraining() {
		select {
		case <-ctx.Done():
			nc.Close()
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

var _ Applier = (*scheduler.Handler)(nil)
