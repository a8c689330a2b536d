package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// etcd key 布局
const (
	etcdOwnersDir   = "owners"
	etcdElectionKey = "leader"
)

// EtcdStore 控制器稳定 ID 与选主
type EtcdStore struct {
	client *clientv3.Client
	kv     clientv3.KV
	prefix string
}

// NewEtcdStore 连接 etcd
func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no etcd endpoints configured")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	log.Printf("[Etcd] Connected to %v", endpoints)
	return &EtcdStore{client: client, kv: client.KV, prefix: prefix}, nil
}

// Close 关闭 etcd 连接
func (s *EtcdStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *EtcdStore) ownerKey(name string) string {
	return path.Join(s.prefix, etcdOwnersDir, name)
}

// OwnerID 返回控制器的稳定 ID，首次调用时生成
//
// 多个副本并发调用时只有一个写入成功，其余读取已写入的值。
func (s *EtcdStore) OwnerID(ctx context.Context, name string) (string, error) {
	key := s.ownerKey(name)
	id := uuid.NewString()

	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, id)).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return "", fmt.Errorf("failed to resolve owner id for %s: %w", name, err)
	}
	if resp.Succeeded {
		log.Printf("[Etcd] Assigned owner id %s to controller %s", id, name)
		return id, nil
	}

	if len(resp.Responses) == 0 {
		return "", fmt.Errorf("owner id for %s: empty txn response", name)
	}
	rng := resp.Responses[0].GetResponseRange()
	if rng == nil || len(rng.Kvs) == 0 {
		return "", fmt.Errorf("owner id for %s: key vanished", name)
	}
	return string(rng.Kvs[0].Value), nil
}

// Campaign 参与选主，成为 leader 后返回会话失效通道
//
// ctx 取消时返回 ctx.Err()；返回的 resign 用于主动让出领导权。
func (s *EtcdStore) Campaign(ctx context.Context, candidate string, ttl int) (<-chan struct{}, func(), error) {
	session, err := concurrency.NewSession(s.client,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(ttl),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	election := concurrency.NewElection(session, path.Join(s.prefix, etcdElectionKey))
	for {
		err := election.Campaign(ctx, candidate)
		if err == nil {
			break
		}
		if errors.Is(err, concurrency.ErrElectionNotLeader) {
			continue
		}
		session.Close()
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("campaign failed: %w", err)
	}

	log.Printf("[Etcd] %s became leader", candidate)
	resign := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := election.Resign(rctx); err != nil {
			log.Printf("[Etcd] Resign failed: %v", err)
		}
		session.Close()
	}
	return session.Done(), resign, nil
}
