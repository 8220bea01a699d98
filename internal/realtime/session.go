package realtime

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// emitter is the one-connection sink a session delivers to
type emitter interface {
	emit(event string, data interface{})
}

// Session one protocol polling loop bound to a single client connection.
// A tick whose query is still in flight is skipped entirely, never queued,
// so at most one aggregation runs per session at any time.
type Session struct {
	deviceUUID string
	interval   time.Duration
	limit      int
	sink       emitter
	snapshots  SnapshotProvider
	logger     *zap.Logger

	inFlight atomic.Bool
	done     chan struct{}
	stopOnce atomic.Bool
}

func newSession(sink emitter, req *protocolRequest, snapshots SnapshotProvider, logger *zap.Logger) *Session {
	limit := req.DataRange
	if limit <= 0 {
		limit = 10
	}
	return &Session{
		deviceUUID: req.ThingName,
		interval:   time.Duration(req.IntervalTime) * time.Millisecond,
		limit:      limit,
		sink:       sink,
		snapshots:  snapshots,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// stop releases the session's timer synchronously. Safe to call more than
// once and concurrently with run.
func (s *Session) stop() {
	if s.stopOnce.CompareAndSwap(false, true) {
		close(s.done)
	}
}

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Protocol polling session started",
		zap.String("device_uuid", s.deviceUUID),
		zap.Duration("interval", s.interval),
		zap.Int("data_range", s.limit),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches one aggregation unless the previous one is still running
func (s *Session) tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("Skipping poll tick, query in flight",
			zap.String("device_uuid", s.deviceUUID),
		)
		return
	}

	go func() {
		defer s.inFlight.Store(false)

		snapshot, err := s.snapshots.Snapshot(ctx, s.deviceUUID, s.limit)
		if err != nil {
			s.logger.Error("Protocol poll failed",
				zap.String("device_uuid", s.deviceUUID),
				zap.Error(err),
			)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		s.sink.emit(EventProtocol, snapshot)
	}()
}
