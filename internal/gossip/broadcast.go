package gossip

import (
	"encoding/json"

	"github.com/oib/aitbc/internal/chain"
)

// BlockBroadcaster adapts a Broker to chain.Broadcaster, letting the
// proposer loop publish without depending on this package.
type BlockBroadcaster struct{ Broker Broker }

func (b BlockBroadcaster) BroadcastBlock(blk *chain.Block) error {
	data, err := json.Marshal(blk)
	if err != nil {
		return err
	}
	return b.Broker.Publish(TopicBlock, data)
}
