package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeKV 只实现 OwnerID 用到的 Txn 语义
type fakeKV struct {
	clientv3.KV
	data map[string]string
	err  error
}

func (f *fakeKV) Txn(context.Context) clientv3.Txn {
	return &fakeTxn{kv: f}
}

type fakeTxn struct {
	kv    *fakeKV
	cmps  []clientv3.Cmp
	thens []clientv3.Op
}

func (t *fakeTxn) If(cs ...clientv3.Cmp) clientv3.Txn { t.cmps = cs; return t }
func (t *fakeTxn) Then(ops ...clientv3.Op) clientv3.Txn { t.thens = ops; return t }
func (t *fakeTxn) Else(...clientv3.Op) clientv3.Txn { return t }

func (t *fakeTxn) Commit() (*clientv3.TxnResponse, error) {
	if t.kv.err != nil {
		return nil, t.kv.err
	}
	key := string(t.cmps[0].KeyBytes())
	if val, ok := t.kv.data[key]; ok {
		return &clientv3.TxnResponse{
			Succeeded: false,
			Responses: []*pb.ResponseOp{{
				Response: &pb.ResponseOp_ResponseRange{ResponseRange: &pb.RangeResponse{
					Kvs: []*mvccpb.KeyValue{{Key: []byte(key), Value: []byte(val)}},
				}},
			}},
		}, nil
	}
	for _, op := range t.thens {
		if op.IsPut() {
			t.kv.data[string(op.KeyBytes())] = string(op.ValueBytes())
		}
	}
	return &clientv3.TxnResponse{Succeeded: true}, nil
}

func newFakeEtcd() (*EtcdStore, *fakeKV) {
	kv := &fakeKV{data: map[string]string{}}
	return &EtcdStore{kv: kv, prefix: "/fleet-agents"}, kv
}

func TestNewEtcdStore_NoEndpoints(t *testing.T) {
	_, err := NewEtcdStore(nil, "/x", 0)
	assert.Error(t, err)
}

func TestEtcdOwnerID_Stable(t *testing.T) {
	s, kv := newFakeEtcd()
	ctx := context.Background()

	id1, err := s.OwnerID(ctx, "linux-spot")
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.Equal(t, id1, kv.data["/fleet-agents/owners/linux-spot"])

	id2, err := s.OwnerID(ctx, "linux-spot")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "同名控制器 ID 不变")

	other, err := s.OwnerID(ctx, "windows-spot")
	require.NoError(t, err)
	assert.NotEqual(t, id1, other)
}

func TestEtcdOwnerID_Error(t *testing.T) {
	s, kv := newFakeEtcd()
	kv.err = errors.New("etcd unavailable")

	_, err := s.OwnerID(context.Background(), "linux-spot")
	assert.ErrorContains(t, err, "etcd unavailable")
}

func TestEtcdStore_CloseWithoutClient(t *testing.T) {
	s, _ := newFakeEtcd()
	assert.NoError(t, s.Close())
}
