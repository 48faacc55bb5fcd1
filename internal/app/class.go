package app

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
	"github.com/ryandielhenn/loranode/pkg/payload"
)

// SwitchToC moves the device to class C and announces it with ClassCSwitch.
func (a *App) SwitchToC() {
	a.switchClass(lorastack.ClassC, payload.ClassCSwitch)
}

// SwitchToA moves the device to class A and announces it with ClassAInit.
func (a *App) SwitchToA() {
	a.switchClass(lorastack.ClassA, payload.ClassAInit)
}

// switchClass updates local state whatever the stack says; the stack call
// is best-effort.
func (a *App) switchClass(c lorastack.DeviceClass, announcement string) {
	a.log.Info("switching class", zap.Stringer("class", c))
	if err := a.stack.SetDeviceClass(c); err != nil {
		a.log.Warn("set device class failed, switching locally anyway",
			zap.Stringer("class", c), zap.Error(err))
	} else {
		a.log.Info("switched class - successful", zap.Stringer("class", c))
	}

	isC := c == lorastack.ClassC
	a.setIndicator("blue", a.leds.Blue, isC)
	a.setIndicator("green", a.leds.Green, !isC)
	a.class = c
	telemetry.DeviceClass.Set(float64(c))

	// an announcement retry for the previous class is stale now
	a.cancelRetry(streamAnnounce)
	if isC {
		// data and specific sends are guarded in class C
		a.cancelRetry(streamData)
		a.cancelRetry(streamSpecific)
	}
	for _, o := range a.observers {
		o(c)
	}

	a.announce(announcement)
}
