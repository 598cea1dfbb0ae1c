// Package etcd implements the snapshot store on an etcd v3 cluster so that
// several broker replicas can share application state.
package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"appbroker/internal/store"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "/appbroker/snapshots"

// KV is the subset of clientv3.KV the store uses. *clientv3.Client satisfies it.
type KV interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
}

// Config holds connection settings for Dial.
type Config struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
	Prefix      string
}

// Store keeps one key per app id under a prefix.
type Store struct {
	kv     KV
	prefix string
	close  func() error
}

// Dial connects to the cluster described by cfg.
func Dial(cfg Config) (*Store, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	s := New(cli, cfg.Prefix)
	s.close = cli.Close
	return s, nil
}

// New wraps an existing KV. An empty prefix falls back to DefaultPrefix.
func New(kv KV, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{kv: kv, prefix: strings.TrimSuffix(prefix, "/")}
}

func (s *Store) key(appID string) string {
	return s.prefix + "/" + appID
}

func (s *Store) Put(ctx context.Context, appID string, snap *store.Snapshot) error {
	body, err := snap.Clone().Marshal()
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", appID, err)
	}
	if _, err := s.kv.Put(ctx, s.key(appID), string(body)); err != nil {
		return fmt.Errorf("put snapshot %s: %w", appID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, appID string) (*store.Snapshot, error) {
	resp, err := s.kv.Get(ctx, s.key(appID))
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", appID, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, store.ErrNotFound
	}
	return store.Unmarshal(resp.Kvs[0].Value)
}

func (s *Store) Delete(ctx context.Context, appID string) error {
	if _, err := s.kv.Delete(ctx, s.key(appID)); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", appID, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*store.Snapshot, error) {
	resp, err := s.kv.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	out := make([]*store.Snapshot, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		snap, err := store.Unmarshal(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, nil
}

// Close releases the client when the store owns it.
func (s *Store) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}
