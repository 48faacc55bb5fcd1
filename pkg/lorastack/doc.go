// Package lorastack defines the contract between the application controller
// and the LoRaWAN protocol stack underneath it: the event set the stack
// reports, the status codes it returns, and the Stack interface itself.
//
// The MAC layer, radio driver, regional parameters and session crypto all
// live behind Stack. Implementations must never call the application
// handler directly; they post it into the Queue handed to Initialize so
// that every handler runs on the dispatch goroutine.
package lorastack
