package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/buildfarm/internal/models"
	"github.com/narvanalabs/buildfarm/internal/scheduler"
)

type fakeApplier struct {
	heartbeats []models.Heartbeat
	outcomes   []models.Outcome
	err        error
}

func (f *fakeApplier) Heartbeat(_ context.Context, hb models.Heartbeat) (*models.Builder, error) {
	f.heartbeats = append(f.heartbeats, hb)
	if f.err != nil {
		return nil, f.err
	}
	id := hb.BuilderID
	if id == "" {
		id = "generated"
	}
	return &models.Builder{ID: id, Processor: hb.Processor, Virtualized: hb.Virtualized}, nil
}

func (f *fakeApplier) Outcome(_ context.Context, o models.Outcome) error {
	f.outcomes = append(f.outcomes, o)
	return f.err
}

func newSubscriber(a Applier) *Subscriber {
	return NewSubscriber(a, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleHeartbeat(t *testing.T) {
	a := &fakeApplier{}
	s := newSubscriber(a)

	reply, err := s.HandleMessage(context.Background(), SubjectHeartbeat,
		[]byte(`{"processor":"riscv64","virtualized":true}`))
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "generated", reply.BuilderID)
	require.Len(t, a.heartbeats, 1)
	assert.Equal(t, models.Heartbeat{Processor: "riscv64", Virtualized: true}, a.heartbeats[0])
}

func TestHandleOutcome(t *testing.T) {
	a := &fakeApplier{}
	s := newSubscriber(a)

	body, err := json.Marshal(models.Outcome{QueueID: 7, Status: models.OutcomeNeedsRetry, LogTail: "oom"})
	require.NoError(t, err)

	reply, err := s.HandleMessage(context.Background(), SubjectOutcome, body)
	require.NoError(t, err)
	assert.Equal(t, Reply{OK: true}, reply)
	assert.Equal(t, []models.Outcome{{QueueID: 7, Status: models.OutcomeNeedsRetry, LogTail: "oom"}}, a.outcomes)
}

func TestHandleMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		err     error
		is      error
	}{
		{name: "unknown subject", subject: "buildfarm.other", data: `{}`, is: ErrUnknownSubject},
		{name: "bad heartbeat", subject: SubjectHeartbeat, data: `{`},
		{name: "bad outcome", subject: SubjectOutcome, data: `[]`},
		{
			name:    "job gone",
			subject: SubjectOutcome,
			data:    `{"queue_id":1,"status":"failed"}`,
			err:     fmt.Errorf("%w: entry 1", scheduler.ErrJobGone),
			is:      scheduler.ErrJobGone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSubscriber(&fakeApplier{err: tt.err})
			reply, err := s.HandleMessage(context.Background(), tt.subject, []byte(tt.data))
			require.Error(t, err)
			assert.False(t, reply.OK)
			assert.NotEmpty(t, reply.Error)
			if tt.is != nil {
				assert.True(t, errors.Is(err, tt.is))
			}
		})
	}
}

func TestShutdownWithoutConnection(t *testing.T) {
	s := newSubscriber(&fakeApplier{})
	assert.NoError(t, s.Shutdown(context.Background()))
}
