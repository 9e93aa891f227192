package store

import (
	"context"
	"time"

	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/valkey-io/valkey-go"
)

// ValkeyStore keeps entries in Valkey (or Redis), using native key expiry.
type ValkeyStore struct {
	client valkey.Client
}

// NewValkeyStore connects to the server at addr.
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, autherr.Storage(err, "connect", addr)
	}
	return &ValkeyStore{client: client}, nil
}

// NewValkeyStoreFromClient wraps an existing client.
func NewValkeyStoreFromClient(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, autherr.Storage(err, "get", key)
	}
	return b, true, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	set := s.client.B().Set().Key(key).Value(valkey.BinaryString(value))
	var err error
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms == 0 {
			ms = 1
		}
		err = s.client.Do(ctx, set.PxMilliseconds(ms).Build()).Error()
	} else {
		err = s.client.Do(ctx, set.Build()).Error()
	}
	if err != nil {
		return autherr.Storage(err, "set", key)
	}
	return nil
}

func (s *ValkeyStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return autherr.Storage(err, "delete", key)
	}
	return nil
}

func (s *ValkeyStore) GetDel(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, autherr.Storage(err, "getdel", key)
	}
	return b, true, nil
}

// Close releases the client's connections.
func (s *ValkeyStore) Close() {
	s.client.Close()
}
