// Package etcdstore implements a store.Backend on etcd.
//
// Every record is written under a lease whose TTL matches the record
// lifetime, so etcd removes dead mappings on its own. This suits non-web
// deployments that already run an etcd cluster for coordination.
package etcdstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/zero-day-ai/linkguard/store"
)

// DefaultNamespace is the key prefix used when Config.Namespace is empty.
const DefaultNamespace = "linkguard"

// revokeTimeout bounds the revocation of a superseded lease.
const revokeTimeout = 2 * time.Second

// Config holds etcd connection configuration.
type Config struct {
	// Endpoints is the list of etcd endpoints
	// Format: ["host1:2379", "host2:2379"]
	Endpoints []string `json:"endpoints" yaml:"endpoints"`

	// Namespace is the key prefix; records live under /{namespace}/{key}
	// Default: "linkguard"
	Namespace string `json:"namespace" yaml:"namespace"`

	// DialTimeout bounds connection establishment
	// Default: 5s
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`

	// TLS holds TLS configuration; nil disables TLS
	TLS *TLSConfig `json:"tls" yaml:"tls"`
}

// Backend implements store.Backend on an etcd cluster.
//
// Thread-safety: All methods are safe for concurrent use.
type Backend struct {
	client *clientv3.Client
	prefix string
}

// New connects to etcd and verifies connectivity with a quick read.
func New(cfg Config) (*Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	}

	tlsConfig, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	clientCfg.TLS = tlsConfig

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	if _, err := cli.Get(ctx, "health-check"); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return newBackend(cli, namespace), nil
}

func newBackend(cli *clientv3.Client, namespace string) *Backend {
	return &Backend{
		client: cli,
		prefix: "/" + strings.Trim(namespace, "/") + "/",
	}
}

// Get returns the record stored under key.
func (b *Backend) Get(ctx context.Context, key string) (*store.Record, error) {
	resp, err := b.client.Get(ctx, b.prefix+key)
	if err != nil {
		return nil, classify("get", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}

	var rec store.Record
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", key, err)
	}
	return &rec, nil
}

// Set stores rec under a lease covering its lifetime. The lease of the
// record it replaces is revoked.
func (b *Backend) Set(ctx context.Context, rec store.Record) error {
	if rec.Key == "" {
		return store.ErrInvalidKey
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrevKV()}
	var granted clientv3.LeaseID
	if ttl := leaseSeconds(rec); ttl > 0 {
		lease, err := b.client.Grant(ctx, ttl)
		if err != nil {
			return classify("grant", rec.Key, err)
		}
		granted = lease.ID
		opts = append(opts, clientv3.WithLease(granted))
	}

	resp, err := b.client.Put(ctx, b.prefix+rec.Key, string(data), opts...)
	if err != nil {
		b.revoke(granted)
		return classify("put", rec.Key, err)
	}
	b.revoke(supersededLease(resp.PrevKv, granted))
	return nil
}

// Delete removes key and revokes its lease.
func (b *Backend) Delete(ctx context.Context, key string) error {
	resp, err := b.client.Delete(ctx, b.prefix+key, clientv3.WithPrevKV())
	if err != nil {
		return classify("delete", key, err)
	}
	for _, kv := range resp.PrevKvs {
		b.revoke(supersededLease(kv, clientv3.NoLease))
	}
	return nil
}

// List returns every record whose key starts with prefix.
func (b *Backend) List(ctx context.Context, prefix string) ([]store.Record, error) {
	resp, err := b.client.Get(ctx, b.prefix+prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, classify("list", prefix, err)
	}

	out := make([]store.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec store.Record
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			// Skip foreign or corrupt values under the namespace
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping implements store.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	if _, err := b.client.Get(ctx, b.prefix, clientv3.WithCountOnly()); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Close closes the etcd client connection.
func (b *Backend) Close() error {
	return b.client.Close()
}

// supersededLease returns the lease held by prev that is no longer
// attached to any key once granted replaces it, or NoLease.
func supersededLease(prev *mvccpb.KeyValue, granted clientv3.LeaseID) clientv3.LeaseID {
	if prev == nil || prev.Lease == 0 {
		return clientv3.NoLease
	}
	id := clientv3.LeaseID(prev.Lease)
	if id == granted {
		return clientv3.NoLease
	}
	return id
}

// revoke drops a lease no key uses. Failures are ignored since an orphaned
// lease still expires with its TTL.
func (b *Backend) revoke(id clientv3.LeaseID) {
	if id == clientv3.NoLease {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	_, _ = b.client.Revoke(ctx, id)
}

// leaseSeconds rounds the record lifetime up to whole seconds.
func leaseSeconds(rec store.Record) int64 {
	if rec.ExpiresAt.IsZero() || rec.StoredAt.IsZero() {
		return 0
	}
	d := rec.ExpiresAt.Sub(rec.StoredAt)
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Seconds()))
}

func classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch {
	case errors.Is(err, rpctypes.ErrNoSpace), errors.Is(err, rpctypes.ErrGRPCNoSpace):
		return fmt.Errorf("etcd %s %s: %w: %v", op, key, store.ErrQuotaExceeded, err)
	case errors.Is(err, rpctypes.ErrNoLeader),
		errors.Is(err, rpctypes.ErrTimeout),
		errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail),
		errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost):
		return fmt.Errorf("etcd %s %s: %w: %v", op, key, store.ErrUnavailable, err)
	}
	return fmt.Errorf("etcd %s %s: %w", op, key, err)
}
