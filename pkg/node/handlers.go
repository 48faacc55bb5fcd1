package node

import (
	"context"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/app"
	"github.com/ryandielhenn/loranode/pkg/downlink"
	"github.com/ryandielhenn/loranode/pkg/netsim"
	"github.com/ryandielhenn/loranode/pkg/registry"
)

const (
	maxDownlink     = 242
	snapshotTimeout = 2 * time.Second
)

// Healthz returns 200 OK to indicate the process is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the device identity and a controller snapshot taken on the
// dispatch goroutine.
func (n *Node) Info(w http.ResponseWriter, req *http.Request) {
	type resp struct {
		DevEUI           string     `json:"dev_eui"`
		PID              int        `json:"pid"`
		Now              time.Time  `json:"now"`
		App              app.Status `json:"app"`
		PendingDownlinks *int       `json:"pending_downlinks,omitempty"`
	}

	st, err := n.snapshot(req.Context())
	if err != nil {
		n.log.Warn("snapshot", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	out := resp{DevEUI: n.eui.String(), PID: os.Getpid(), Now: time.Now(), App: st}
	if n.net != nil {
		p := len(n.net.PendingDownlinks())
		out.PendingDownlinks = &p
	}
	writeJSON(w, http.StatusOK, out)
}

func (n *Node) snapshot(ctx context.Context) (app.Status, error) {
	ch := make(chan app.Status, 1)
	if err := n.q.Call(func() { ch <- n.status.Snapshot() }); err != nil {
		return app.Status{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return app.Status{}, ctx.Err()
	}
}

// QueueDownlink queues the request body as a downlink on ?port=.
func (n *Node) QueueDownlink(w http.ResponseWriter, req *http.Request) {
	if n.net == nil {
		http.Error(w, "downlinks need the simulated stack", http.StatusNotImplemented)
		return
	}
	port, err := strconv.ParseUint(req.URL.Query().Get("port"), 10, 8)
	if err != nil || port == 0 || port > 223 {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxDownlink+1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body) > maxDownlink {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	d := n.net.EnqueueDownlink(uint8(port), body)
	n.log.Info("downlink queued", zap.Stringer("id", d.ID), zap.Uint64("port", port), zap.ByteString("payload", body))
	writeJSON(w, http.StatusAccepted, d)
}

// ListDownlinks returns the downlinks still waiting for delivery.
func (n *Node) ListDownlinks(w http.ResponseWriter, _ *http.Request) {
	if n.net == nil {
		http.Error(w, "downlinks need the simulated stack", http.StatusNotImplemented)
		return
	}
	out := n.net.PendingDownlinks()
	if out == nil {
		out = []downlink.Downlink{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Uplinks returns what the simulated network server has received.
func (n *Node) Uplinks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if n.net == nil {
		http.Error(w, "uplinks need the simulated stack", http.StatusNotImplemented)
		return
	}
	out := n.net.Uplinks()
	if out == nil {
		out = []netsim.Uplink{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Devices lists every device registered in etcd.
func (n *Node) Devices(w http.ResponseWriter, req *http.Request) {
	if n.devices == nil {
		http.Error(w, "registry disabled", http.StatusNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), snapshotTimeout)
	defer cancel()
	devs, err := registry.GetDevices(ctx, n.devices)
	if err != nil {
		n.log.Warn("list devices", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out := make([]registry.Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b registry.Device) int {
		return strings.Compare(a.EUI.String(), b.EUI.String())
	})
	writeJSON(w, http.StatusOK, out)
}
