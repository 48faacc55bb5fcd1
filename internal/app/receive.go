package app

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
	"github.com/ryandielhenn/loranode/pkg/payload"
)

func (a *App) onReceiveComplete() {
	a.receiveCount++
	a.log.Info("packets receive count", zap.Uint32("count", a.receiveCount))
	defer a.rx.Clear()

	n, port, _, err := a.stack.Receive(a.rx[:])
	switch {
	case errors.Is(err, lorastack.StatusWouldBlock):
		a.log.Info("nothing to read, probably just an ACK")
		telemetry.ReceivesTotal.WithLabelValues("nothing").Inc()
		return
	case err != nil:
		a.log.Error("receive error", zap.Error(err))
		telemetry.ReceivesTotal.WithLabelValues("error").Inc()
		return
	case n == 0:
		a.log.Info("empty downlink (ACK only)", zap.Uint8("port", port))
		telemetry.ReceivesTotal.WithLabelValues("empty").Inc()
		return
	}
	telemetry.ReceivesTotal.WithLabelValues("data").Inc()

	msg := payload.Decode(&a.rx, n)
	a.log.Info("RX data",
		zap.Uint8("port", port),
		zap.Int("bytes", n),
		zap.String("hex", payload.Dump(a.rx[:n])),
		zap.String("message", msg))

	switch payload.ParseCommand(msg) {
	case payload.CommandSwitchToC:
		a.log.Info("we should switch to class C if not already")
		a.SwitchToC()
	case payload.CommandSwitchToA:
		a.log.Info("we should switch to class A if not already")
		a.SwitchToA()
	default:
		a.log.Debug("opaque payload, no command", zap.Uint8("port", port))
	}
}
