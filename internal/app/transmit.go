package app

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
	"github.com/ryandielhenn/loranode/pkg/payload"
)

// stream is a logical send operation. Each stream has at most one
// backpressure retry outstanding.
type stream uint8

const (
	streamData     stream = iota // Send
	streamSpecific               // SendSpecific
	streamAnnounce               // class-switch announcements
)

var streams = []stream{streamData, streamSpecific, streamAnnounce}

func (s stream) String() string {
	switch s {
	case streamData:
		return "data"
	case streamSpecific:
		return "specific"
	case streamAnnounce:
		return "announce"
	default:
		return "unknown"
	}
}

// Send submits the data message. No-op in class C.
func (a *App) Send() {
	if a.class == lorastack.ClassC {
		return
	}
	a.transmit(streamData, a.cfg.DataMessage, a.Send)
}

// SendSpecific submits msg. No-op in class C.
func (a *App) SendSpecific(msg string) {
	if a.class == lorastack.ClassC {
		return
	}
	a.transmit(streamSpecific, msg, func() { a.SendSpecific(msg) })
}

// announce submits a class-switch announcement. It bypasses the class C
// guard. A later class switch cancels its pending retry.
func (a *App) announce(msg string) {
	a.transmit(streamAnnounce, msg, func() { a.announce(msg) })
}

func (a *App) transmit(s stream, msg string, retry func()) {
	n, err := payload.Encode(&a.tx, msg)
	if err != nil {
		a.log.Error("message rejected", zap.Stringer("stream", s), zap.Error(err))
		telemetry.UplinksTotal.WithLabelValues(s.String(), "rejected").Inc()
		return
	}
	defer a.tx.Clear()

	sent, err := a.stack.Send(a.cfg.Port, a.tx[:n], lorastack.MsgUnconfirmed)
	switch {
	case err == nil:
		a.log.Info("bytes scheduled for transmission",
			zap.Int("bytes", sent), zap.String("message", msg), zap.Stringer("stream", s))
		telemetry.UplinksTotal.WithLabelValues(s.String(), "scheduled").Inc()
	case errors.Is(err, lorastack.StatusWouldBlock):
		a.log.Info("send - WOULD BLOCK", zap.String("message", msg), zap.Stringer("stream", s))
		telemetry.UplinksTotal.WithLabelValues(s.String(), "would_block").Inc()
		a.scheduleRetry(s, retry)
	default:
		a.log.Error("send error", zap.String("message", msg), zap.Stringer("stream", s), zap.Error(err))
		telemetry.UplinksTotal.WithLabelValues(s.String(), "error").Inc()
	}
}

func (a *App) scheduleRetry(s stream, retry func()) {
	if _, ok := a.retries[s]; ok {
		a.log.Debug("retry already pending", zap.Stringer("stream", s))
		telemetry.RetriesCoalesced.WithLabelValues(s.String()).Inc()
		return
	}
	id, err := a.sched.CallIn(a.cfg.RetryDelay, func() {
		delete(a.retries, s)
		retry()
	})
	if err != nil {
		a.log.Error("schedule retry", zap.Stringer("stream", s), zap.Error(err))
		return
	}
	a.retries[s] = id
	telemetry.RetriesScheduled.WithLabelValues(s.String()).Inc()
	a.log.Info("retry scheduled", zap.Stringer("stream", s), zap.Duration("in", a.cfg.RetryDelay))
}

func (a *App) cancelRetry(s stream) {
	id, ok := a.retries[s]
	if !ok {
		return
	}
	a.sched.Cancel(id)
	delete(a.retries, s)
	a.log.Debug("retry cancelled", zap.Stringer("stream", s))
}
