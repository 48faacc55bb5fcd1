// Package registry publishes the node in etcd: a lease-backed device key
// carrying the admin address, and a class key updated on every switch.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brocaar/lorawan"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/pkg/lorastack"
)

const Prefix = "/loranode/devices/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func DeviceKey(eui lorawan.EUI64) string { return Prefix + eui.String() }

func ClassKey(eui lorawan.EUI64) string { return DeviceKey(eui) + "/class" }

// RegisterDevice writes addr under the device key with a ttl-second lease
// and keeps the lease alive until cancel is called.
func RegisterDevice(ctx context.Context, cli *clientv3.Client, eui lorawan.EUI64, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, DeviceKey(eui), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("put %s: %w", DeviceKey(eui), err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Putter is the write half of clientv3.KV.
type Putter interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
}

// Getter is the read half of clientv3.KV.
type Getter interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// ClassPublisher writes class changes to etcd off the dispatch goroutine.
// Only the latest unpublished class is kept.
type ClassPublisher struct {
	kv    Putter
	key   string
	lease clientv3.LeaseID
	log   *zap.Logger
	ch    chan lorastack.DeviceClass
}

func NewClassPublisher(kv Putter, eui lorawan.EUI64, lease clientv3.LeaseID, log *zap.Logger) *ClassPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &ClassPublisher{
		kv:    kv,
		key:   ClassKey(eui),
		lease: lease,
		log:   log.With(zap.String("component", "registry")),
		ch:    make(chan lorastack.DeviceClass, 1),
	}
}

// Publish never blocks. It must be called from a single goroutine.
func (p *ClassPublisher) Publish(c lorastack.DeviceClass) {
	for {
		select {
		case p.ch <- c:
			return
		default:
		}
		select {
		case <-p.ch:
		default:
		}
	}
}

// Run writes published classes until ctx is done.
func (p *ClassPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.ch:
			var opts []clientv3.OpOption
			if p.lease != 0 {
				opts = append(opts, clientv3.WithLease(p.lease))
			}
			putCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_, err := p.kv.Put(putCtx, p.key, c.String(), opts...)
			cancel()
			if err != nil {
				p.log.Warn("publish class", zap.String("key", p.key), zap.Error(err))
				continue
			}
			p.log.Debug("class published", zap.String("key", p.key), zap.Stringer("class", c))
		}
	}
}

type Device struct {
	EUI   lorawan.EUI64 `json:"dev_eui"`
	Addr  string        `json:"addr"`
	Class string        `json:"class,omitempty"`
}

// GetDevices lists registered devices keyed by EUI.
func GetDevices(ctx context.Context, kv Getter) (map[lorawan.EUI64]Device, error) {
	resp, err := kv.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", Prefix, err)
	}
	out := make(map[lorawan.EUI64]Device)
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), Prefix)
		id, field, _ := strings.Cut(rest, "/")
		var eui lorawan.EUI64
		if err := eui.UnmarshalText([]byte(id)); err != nil {
			continue
		}
		d := out[eui]
		d.EUI = eui
		switch field {
		case "":
			d.Addr = string(kv.Value)
		case "class":
			d.Class = string(kv.Value)
		default:
			continue
		}
		out[eui] = d
	}
	return out, nil
}
