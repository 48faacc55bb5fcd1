package lorastack

import "fmt"

// Status is a negative stack result code. It implements error so results
// can be matched with errors.Is.
type Status int16

const (
	StatusOK                  Status = 0
	StatusBusy                Status = -1000
	StatusWouldBlock          Status = -1001
	StatusServiceUnknown      Status = -1002
	StatusParameterInvalid    Status = -1003
	StatusFrequencyInvalid    Status = -1004
	StatusDatarateInvalid     Status = -1005
	StatusNoNetworkJoined     Status = -1009
	StatusLengthError         Status = -1010
	StatusDeviceOff           Status = -1011
	StatusNotInitialized      Status = -1012
	StatusUnsupported         Status = -1013
	StatusCryptoFail          Status = -1014
	StatusPortInvalid         Status = -1015
	StatusConnectInProgress   Status = -1016
	StatusNoActiveSessions    Status = -1017
	StatusIdle                Status = -1018
	StatusDutyCycleRestricted Status = -1020
	StatusNoChannelFound      Status = -1021
	StatusAlreadyConnected    Status = -1024
)

var statusText = map[Status]string{
	StatusOK:                  "ok",
	StatusBusy:                "busy",
	StatusWouldBlock:          "would block",
	StatusServiceUnknown:      "service unknown",
	StatusParameterInvalid:    "parameter invalid",
	StatusFrequencyInvalid:    "frequency invalid",
	StatusDatarateInvalid:     "datarate invalid",
	StatusNoNetworkJoined:     "no network joined",
	StatusLengthError:         "length error",
	StatusDeviceOff:           "device off",
	StatusNotInitialized:      "not initialized",
	StatusUnsupported:         "unsupported",
	StatusCryptoFail:          "crypto failure",
	StatusPortInvalid:         "port invalid",
	StatusConnectInProgress:   "connect in progress",
	StatusNoActiveSessions:    "no active sessions",
	StatusIdle:                "idle",
	StatusDutyCycleRestricted: "duty cycle restricted",
	StatusNoChannelFound:      "no channel found",
	StatusAlreadyConnected:    "already connected",
}

func (s Status) Error() string {
	if t, ok := statusText[s]; ok {
		return fmt.Sprintf("lorawan status %d: %s", int16(s), t)
	}
	return fmt.Sprintf("lorawan status %d", int16(s))
}

// Code is the raw numeric value, for logging.
func (s Status) Code() int16 { return int16(s) }
