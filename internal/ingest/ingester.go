// Package ingest receives worker output over the internal chunk
// endpoint, buffers it, and appends it durably to the event logs.
package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentz/agentz/internal/common/config"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/daemon"
	"github.com/agentz/agentz/internal/events"
	"github.com/agentz/agentz/internal/events/bus"
	"github.com/agentz/agentz/internal/stream"
)

// Frame is one NDJSON line posted by a worker. Event holds either a
// per-session event or a registry lifecycle event.
type Frame struct {
	SessionID string          `json:"sessionId"`
	Nonce     string          `json:"nonce"`
	Event     json.RawMessage `json:"event"`
}

// sessionBuffer accumulates encoded frames awaiting a flush.
type sessionBuffer struct {
	frames  [][]byte
	events  []events.SessionEvent
	bytes   int
	timer   *time.Timer
	flushMu sync.Mutex
}

// Ingester validates, buffers, and persists worker frames. Chunks are
// flushed after a threshold of pending events or a short delay,
// whichever comes first; terminal events flush immediately so status is
// never stale behind buffered output.
type Ingester struct {
	cfg     config.WorkerConfig
	store   *stream.Store
	monitor *daemon.Monitor
	bus     bus.Bus
	logger  *logger.Logger

	mu      sync.Mutex
	buffers map[string]*sessionBuffer
}

// NewIngester wires the ingest path.
func NewIngester(cfg config.WorkerConfig, store *stream.Store, monitor *daemon.Monitor, b bus.Bus, log *logger.Logger) *Ingester {
	if log == nil {
		log = logger.Default()
	}
	return &Ingester{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		bus:     b,
		logger:  log.WithFields(zap.String("component", "ingest")),
		buffers: make(map[string]*sessionBuffer),
	}
}

// ValidFrame checks the frame's identity against the daemon registry.
func (in *Ingester) ValidFrame(f Frame) bool {
	return in.monitor.ValidNonce(f.SessionID, f.Nonce)
}

// eventType peeks at the discriminator without a full decode.
func eventType(raw json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}

// registryBound reports whether a worker-posted event belongs in the
// registry stream. Workers may post status updates and their own
// terminal events, including session_cancelled from a SIGTERM handler;
// created and deleted stay control-plane only.
func registryBound(t string) bool {
	switch events.RegistryEventType(t) {
	case events.SessionUpdated, events.SessionCompleted, events.SessionFailed, events.SessionCancelled:
		return true
	}
	return false
}

// HandleFrame routes one validated frame. The caller has already
// checked the nonce.
func (in *Ingester) HandleFrame(ctx context.Context, f Frame) error {
	t := eventType(f.Event)
	if registryBound(t) {
		return in.handleRegistry(ctx, f)
	}
	return in.handleSession(ctx, f)
}

func (in *Ingester) handleRegistry(ctx context.Context, f Frame) error {
	ev, err := events.DecodeRegistry(f.Event)
	if err != nil {
		return err
	}
	if ev.SessionID != f.SessionID {
		in.logger.Warn("registry event session mismatch, dropped",
			zap.String("frame_session", f.SessionID),
			zap.String("event_session", ev.SessionID))
		return nil
	}

	// Buffered output must land before the status change.
	if err := in.Flush(ctx, f.SessionID); err != nil {
		return err
	}

	frame, err := events.EncodeRegistry(ev)
	if err != nil {
		return err
	}
	if err := in.store.Append(stream.RegistryLog, frame); err != nil {
		return err
	}

	switch ev.Type {
	case events.SessionCompleted:
		in.monitor.Untrack(f.SessionID)
		in.publish(ctx, bus.SubjectSessionCompleted, f.SessionID, nil)
	case events.SessionFailed:
		in.monitor.Untrack(f.SessionID)
		in.publish(ctx, bus.SubjectSessionFailed, f.SessionID, map[string]interface{}{
			"error": ev.Error,
		})
	case events.SessionCancelled:
		in.monitor.Untrack(f.SessionID)
		in.publish(ctx, bus.SubjectSessionCancelled, f.SessionID, nil)
	default:
		in.publish(ctx, bus.SubjectSessionStatus, f.SessionID, map[string]interface{}{
			"status": string(ev.Status),
		})
	}
	return nil
}

func (in *Ingester) handleSession(ctx context.Context, f Frame) error {
	ev, err := events.DecodeSession(f.Event)
	if err != nil {
		return err
	}
	if ev.SessionID != f.SessionID {
		in.logger.Warn("session event identity mismatch, dropped",
			zap.String("frame_session", f.SessionID),
			zap.String("event_session", ev.SessionID))
		return nil
	}
	frame, err := events.EncodeSession(ev)
	if err != nil {
		return err
	}

	in.mu.Lock()
	buf := in.buffers[f.SessionID]
	if buf == nil {
		buf = &sessionBuffer{}
		in.buffers[f.SessionID] = buf
	}
	buf.frames = append(buf.frames, frame)
	buf.events = append(buf.events, ev)
	buf.bytes += len(frame)
	pending := len(buf.frames)
	overBytes := in.cfg.MaxOutputBufferBytes > 0 && buf.bytes >= in.cfg.MaxOutputBufferBytes
	if buf.timer == nil && in.cfg.FlushDelay() > 0 {
		id := f.SessionID
		buf.timer = time.AfterFunc(in.cfg.FlushDelay(), func() {
			if err := in.Flush(context.Background(), id); err != nil {
				in.logger.Error("delayed flush failed",
					zap.String("session_id", id), zap.Error(err))
			}
		})
	}
	in.mu.Unlock()

	if pending >= in.cfg.FlushChunkThreshold || overBytes || in.cfg.FlushDelay() <= 0 {
		return in.Flush(ctx, f.SessionID)
	}
	return nil
}

// Flush appends a session's buffered frames in arrival order and
// publishes chunk notifications for the flushed output.
func (in *Ingester) Flush(ctx context.Context, sessionID string) error {
	in.mu.Lock()
	buf := in.buffers[sessionID]
	in.mu.Unlock()
	if buf == nil {
		return nil
	}

	// flushMu serialises concurrent flushes. It must be held across the
	// swap and the appends: swapping first would let a later flush take
	// a newer batch and append it ahead of an older one.
	buf.flushMu.Lock()
	defer buf.flushMu.Unlock()

	in.mu.Lock()
	frames := buf.frames
	flushed := buf.events
	buf.frames = nil
	buf.events = nil
	buf.bytes = 0
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	in.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}

	path := stream.SessionLog(sessionID)
	for _, frame := range frames {
		if err := in.store.Append(path, frame); err != nil {
			return err
		}
	}

	for i := range flushed {
		ev := &flushed[i]
		if ev.Type != events.Output {
			continue
		}
		in.publish(ctx, bus.SubjectSessionChunk, sessionID, map[string]interface{}{
			"chunk": ev.Chunk,
		})
	}
	return nil
}

// FlushAll drains every pending buffer, for shutdown.
func (in *Ingester) FlushAll(ctx context.Context) {
	in.mu.Lock()
	ids := make([]string, 0, len(in.buffers))
	for id := range in.buffers {
		ids = append(ids, id)
	}
	in.mu.Unlock()
	for _, id := range ids {
		if err := in.Flush(ctx, id); err != nil {
			in.logger.Error("shutdown flush failed",
				zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (in *Ingester) publish(ctx context.Context, subject, sessionID string, data map[string]interface{}) {
	if in.bus == nil {
		return
	}
	if err := in.bus.Publish(ctx, subject, bus.NewNotification(subject, sessionID, data)); err != nil {
		in.logger.Debug("bus publish failed",
			zap.String("subject", subject), zap.Error(err))
	}
}
