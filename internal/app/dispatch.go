package app

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
	"github.com/ryandielhenn/loranode/pkg/payload"
)

// HandleEvent is the stack callback. It routes each event and never retries
// a stack operation itself. An event outside the known set panics.
func (a *App) HandleEvent(ev lorastack.Event) {
	if !ev.Valid() {
		a.log.Panic("unknown event", zap.Uint8("event", uint8(ev)))
	}
	telemetry.EventsTotal.WithLabelValues(ev.String()).Inc()

	switch ev {
	case lorastack.Connected:
		a.connected = true
		a.log.Info("connection - successful")
		if a.cfg.DutyCycle {
			if a.class == lorastack.ClassC {
				a.SendSpecific(payload.ClassCInit)
			} else {
				a.SendSpecific(payload.ClassAInit)
			}
		} else if a.cfg.PeriodicSend {
			a.startPeriodic()
		}

	case lorastack.Disconnected:
		a.connected = false
		if a.periodic != 0 {
			a.sched.Cancel(a.periodic)
			a.periodic = 0
		}
		a.sched.BreakDispatch()
		a.log.Info("disconnected successfully")

	case lorastack.TxDone:
		a.log.Info("message sent to network server")
		if a.cfg.DutyCycle && a.class == lorastack.ClassA {
			a.Send()
		}

	case lorastack.TxTimeout, lorastack.TxError, lorastack.TxCryptoError, lorastack.TxSchedulingError:
		a.log.Warn("transmission error", zap.Stringer("event", ev), zap.Uint8("code", uint8(ev)))

	case lorastack.RxDone:
		a.log.Info("received message from network server")
		a.onReceiveComplete()

	case lorastack.RxTimeout, lorastack.RxError:
		a.log.Warn("error in reception", zap.Stringer("event", ev), zap.Uint8("code", uint8(ev)))

	case lorastack.JoinFailure:
		a.log.Error("OTAA failed - check keys")

	case lorastack.UplinkRequired:
		a.log.Info("uplink required by network server")
		if a.cfg.UplinkOnRequest && a.cfg.DutyCycle {
			a.Send()
		}

	case lorastack.ClassChanged:
		a.log.Info("class changed", zap.Stringer("class", a.class))
	}
}

func (a *App) startPeriodic() {
	if a.periodic != 0 {
		return
	}
	id, err := a.sched.CallEvery(a.cfg.PeriodicInterval, a.Send)
	if err != nil {
		a.log.Error("schedule periodic send", zap.Error(err))
		return
	}
	a.periodic = id
	a.log.Info("periodic send enabled", zap.Duration("interval", a.cfg.PeriodicInterval))
}
