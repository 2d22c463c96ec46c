package configuration

import (
	"context"
	"strings"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"go.etcd.io/etcd/client/pkg/v3/logutil"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zapcore"
)

// EtcdStore is the production KeyValueStore, backed by an etcd cluster. All
// keys are scoped under the configured namespace so multiple clusters can
// share one etcd deployment.
type EtcdStore struct {
	client *clientv3.Client
	scope  string

	log logger.Logger
}

// NewEtcdStore connects to etcd using the endpoints and credentials from opts.
func NewEtcdStore(opts *CommonOptions) (*EtcdStore, error) {
	zapLogger, err := logutil.CreateDefaultZapLogger(zapcore.WarnLevel)
	if err != nil {
		return nil, err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.EtcdEndpointList(),
		DialTimeout: time.Duration(opts.EtcdDialTimeoutSec) * time.Second,
		Username:    opts.EtcdUser,
		Password:    opts.EtcdPassword,
		Logger:      zapLogger,
	})
	if err != nil {
		return nil, err
	}

	scope := opts.EtcdNamespace
	if scope != "" && !strings.HasSuffix(scope, "/") {
		scope += "/"
	}

	store := &EtcdStore{
		client: client,
		scope:  scope,
	}
	config.InitLogger(&store.log, store)

	store.log.Debug("Connected to etcd at %v (namespace: \"%s\").", opts.EtcdEndpointList(), scope)

	return store, nil
}

func (s *EtcdStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.client.Get(ctx, s.scoped(key))
	if err != nil {
		return "", false, err
	}

	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *EtcdStore) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	resp, err := s.client.Get(ctx, s.scoped(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[s.unscoped(string(kv.Key))] = string(kv.Value)
	}
	return out, nil
}

func (s *EtcdStore) Put(ctx context.Context, key string, value string) error {
	_, err := s.client.Put(ctx, s.scoped(key), value)
	return err
}

func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.Delete(ctx, s.scoped(key))
	return err
}

func (s *EtcdStore) Watch(ctx context.Context, prefix string) <-chan KeyValueEvent {
	out := make(chan KeyValueEvent, 64)
	watchChan := s.client.Watch(ctx, s.scoped(prefix), clientv3.WithPrefix())

	go func() {
		defer close(out)
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				s.log.Error("Watch on prefix \"%s\" failed: %v", prefix, err)
				return
			}

			for _, event := range watchResp.Events {
				kvEvent := KeyValueEvent{
					Key:   s.unscoped(string(event.Kv.Key)),
					Value: string(event.Kv.Value),
				}
				if event.Type == clientv3.EventTypeDelete {
					kvEvent.Type = KeyValueDelete
				} else {
					kvEvent.Type = KeyValuePut
				}

				select {
				case out <- kvEvent:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// Client exposes the raw etcd client for components that need primitives the
// KeyValueStore interface does not cover, such as distributed locks.
func (s *EtcdStore) Client() *clientv3.Client {
	return s.client
}

// Scope returns the namespace prefix applied to every key.
func (s *EtcdStore) Scope() string {
	return s.scope
}

func (s *EtcdStore) scoped(key string) string {
	return s.scope + key
}

func (s *EtcdStore) unscoped(key string) string {
	return strings.TrimPrefix(key, s.scope)
}
