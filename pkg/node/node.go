// Package node is the admin HTTP surface of a running device: health,
// controller status, metrics and, with the simulated stack, a way to queue
// downlinks and inspect uplinks.
package node

import (
	"net/http"

	"github.com/brocaar/lorawan"
	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/app"
	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/downlink"
	"github.com/ryandielhenn/loranode/pkg/netsim"
	"github.com/ryandielhenn/loranode/pkg/registry"
)

// Caller runs fn on the dispatch goroutine.
type Caller interface {
	Call(fn func()) error
}

// StatusSource is read only from the dispatch goroutine.
type StatusSource interface {
	Snapshot() app.Status
}

// Network is the network-server side of the simulated stack.
type Network interface {
	EnqueueDownlink(port uint8, payload []byte) downlink.Downlink
	PendingDownlinks() []downlink.Downlink
	Uplinks() []netsim.Uplink
}

type Node struct {
	eui     lorawan.EUI64
	addr    string
	q       Caller
	status  StatusSource
	net     Network
	devices registry.Getter
	log     *zap.Logger
}

type Option func(*Node)

// WithNetwork enables /downlink and /uplinks.
func WithNetwork(n Network) Option {
	return func(s *Node) { s.net = n }
}

// WithRegistry enables /devices.
func WithRegistry(kv registry.Getter) Option {
	return func(s *Node) { s.devices = kv }
}

func NewNode(eui lorawan.EUI64, addr string, q Caller, status StatusSource, log *zap.Logger, opts ...Option) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		eui:    eui,
		addr:   addr,
		q:      q,
		status: status,
		log:    log.With(zap.String("component", "admin")),
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Node) Addr() string {
	return n.addr
}

// Handler wires every endpoint behind the metrics middleware.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("/downlink", func(w http.ResponseWriter, req *http.Request) {
		op := "downlink_" + methodToOp(req.Method)
		telemetry.Instrument(op, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut:
				n.QueueDownlink(w, r)
			case http.MethodGet:
				n.ListDownlinks(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})
	mux.Handle("/uplinks", telemetry.Instrument("uplinks", http.HandlerFunc(n.Uplinks)))
	mux.Handle("/devices", telemetry.Instrument("devices", http.HandlerFunc(n.Devices)))
	return mux
}
