package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/events"
	"github.com/FooledKiwi/ProjectQapac/api/qapac-tracker/internal/tracking"
)

// PositionSink mirrors store changes into a PositionsRepository. It runs on
// its own distributor subscription, so slow writes never hold up the
// tracker. Failures are logged and dropped.
type PositionSink struct {
	repo    PositionsRepository
	log     logrus.FieldLogger
	timeout time.Duration
	sub     *events.Subscription

	// afterWrite is a test hook called after each repository call.
	afterWrite func(ev events.Event, err error)
}

// SinkOption configures a PositionSink.
type SinkOption func(*PositionSink)

// WithSinkLogger sets the sink logger.
func WithSinkLogger(l logrus.FieldLogger) SinkOption {
	return func(s *PositionSink) { s.log = l }
}

func withAfterWrite(fn func(events.Event, error)) SinkOption {
	return func(s *PositionSink) { s.afterWrite = fn }
}

// NewPositionSink creates a sink. Call Attach to start mirroring.
func NewPositionSink(repo PositionsRepository, opts ...SinkOption) *PositionSink {
	s := &PositionSink{repo: repo, log: logrus.StandardLogger(), timeout: queryTimeout}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach subscribes the sink to vehicle updates and removals.
func (s *PositionSink) Attach(d *events.Distributor) {
	s.sub = d.Subscribe(s.handle, events.KindVehicleUpdated, events.KindVehicleRemoved)
}

// Detach stops mirroring. It is safe to call more than once.
func (s *PositionSink) Detach() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

func (s *PositionSink) handle(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case events.KindVehicleUpdated:
		v, ok := ev.Payload.(tracking.VehicleState)
		if !ok {
			return
		}
		err = s.repo.UpsertPosition(ctx, v.Last)
	case events.KindVehicleRemoved:
		err = s.repo.DeletePosition(ctx, ev.VehicleID)
	default:
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("vehicle_id", ev.VehicleID).Warn("persist position failed")
	}
	if s.afterWrite != nil {
		s.afterWrite(ev, err)
	}
}
