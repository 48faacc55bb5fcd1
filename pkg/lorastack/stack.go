package lorastack

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/loranode/pkg/events"
)

// Event is what the stack reports to the application.
type Event uint8

const (
	Connected Event = iota
	Disconnected
	TxDone
	TxTimeout
	TxError
	TxCryptoError
	TxSchedulingError
	RxDone
	RxTimeout
	RxError
	JoinFailure
	UplinkRequired
	ClassChanged

	numEvents
)

var eventNames = [numEvents]string{
	Connected:         "connected",
	Disconnected:      "disconnected",
	TxDone:            "tx_done",
	TxTimeout:         "tx_timeout",
	TxError:           "tx_error",
	TxCryptoError:     "tx_crypto_error",
	TxSchedulingError: "tx_scheduling_error",
	RxDone:            "rx_done",
	RxTimeout:         "rx_timeout",
	RxError:           "rx_error",
	JoinFailure:       "join_failure",
	UplinkRequired:    "uplink_required",
	ClassChanged:      "class_changed",
}

// Valid reports whether e belongs to the closed event set.
func (e Event) Valid() bool { return e < numEvents }

func (e Event) String() string {
	if !e.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
	return eventNames[e]
}

type DeviceClass uint8

const (
	ClassA DeviceClass = 0
	ClassC DeviceClass = 2
)

func (c DeviceClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassC:
		return "C"
	default:
		return fmt.Sprintf("DeviceClass(%d)", uint8(c))
	}
}

// Flag selects the delivery semantics of an uplink.
type Flag uint8

const (
	MsgUnconfirmed Flag = 0x01
	MsgConfirmed   Flag = 0x02
	MsgMulticast   Flag = 0x04
	MsgProprietary Flag = 0x08
)

// Handler receives stack events on the dispatch goroutine.
type Handler func(Event)

// Queue is the part of the cooperative event queue a stack posts into.
type Queue interface {
	Call(fn func()) error
	CallIn(d time.Duration, fn func()) (events.ID, error)
}

// Stack is a LoRaWAN end-device stack.
//
// Send returns the number of bytes accepted for transmission, or a Status
// error. StatusWouldBlock means the stack cannot take the uplink right now
// and the caller may try again later.
//
// Receive copies the pending downlink into buf. It returns StatusWouldBlock
// when there is nothing to read (typically an ACK-only frame) and n == 0
// for an empty frame.
type Stack interface {
	Initialize(q Queue) error
	AddAppCallbacks(h Handler) error
	SetConfirmedMsgRetries(n uint8) error
	EnableAdaptiveDatarate() error
	Connect() error
	Disconnect() error
	Send(port uint8, data []byte, flags Flag) (int, error)
	Receive(buf []byte) (n int, port uint8, flags Flag, err error)
	SetDeviceClass(c DeviceClass) error
}
