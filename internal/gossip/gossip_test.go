package gossip

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oib/aitbc/internal/chain"
)

func TestInProcessBrokerDeliversToSubscriber(t *testing.T) {
	b := NewInProcessBroker(4)
	sub, cancel := b.Subscribe(TopicBlock)
	defer cancel()

	require.NoError(t, b.Publish(TopicBlock, []byte("hello")))
	select {
	case msg := <-sub.C:
		assert.Equal(t, "hello", string(msg.Data))
		assert.Equal(t, uint64(1), msg.Seq)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInProcessBrokerDropsOnFullQueue(t *testing.T) {
	b := NewInProcessBroker(1)
	sub, cancel := b.Subscribe(TopicTx)
	defer cancel()

	require.NoError(t, b.Publish(TopicTx, []byte("a")))
	require.NoError(t, b.Publish(TopicTx, []byte("b"))) // queue full, dropped
	assert.Equal(t, uint64(1), *sub.Dropped)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.False(t, cb.Allow(), "breaker should be open")
	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow(), "breaker should allow a half-open probe after cooldown")
}

func TestCircuitBreakerClosesOnSuccess(t *testing.T) {
	cb := newCircuitBreaker(2, time.Millisecond)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	assert.True(t, cb.Allow(), "a single failure after reset must not open the breaker")
}

type fakePeer struct {
	endpoint string
	head     chain.Head
	blocks   []*chain.Block
	headErr  error
}

func (f *fakePeer) Endpoint() string { return f.endpoint }
func (f *fakePeer) GetHead(ctx context.Context) (chain.Head, error) {
	if f.headErr != nil {
		return chain.Head{}, f.headErr
	}
	return f.head, nil
}
func (f *fakePeer) GetBlockRange(ctx context.Context, from, to uint64) ([]*chain.Block, error) {
	var out []*chain.Block
	for _, b := range f.blocks {
		if b.Height >= from && b.Height <= to {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestSyncWorkerOpensBreakerOnUnreachablePeer(t *testing.T) {
	peer := &fakePeer{endpoint: "peer-1", headErr: errors.New("connection refused")}
	w := &SyncWorker{
		peers:     []PeerClient{peer},
		breakers:  map[string]*circuitBreaker{"peer-1": newCircuitBreaker(1, time.Hour)},
		pollEvery: time.Millisecond,
	}
	w.pollOne(context.Background(), peer)
	assert.True(t, w.breakers["peer-1"].Open())
}
