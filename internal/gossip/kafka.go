package gossip

import (
	"context"
	"sync"

	"github.com/Shopify/sarama"

	"github.com/oib/aitbc/internal/errs"
)

// KafkaBroker is the external-broker transport of spec.md §4.6: any
// key/value stream with at-least-once semantics. Grounded on the
// teacher's datasync/chaindatafetcher/event/kafka.KafkaBroker, trimmed to
// the publish/subscribe shape this package needs.
type KafkaBroker struct {
	brokers  []string
	producer sarama.AsyncProducer
	admin    sarama.ClusterAdmin
	replicas int16

	mu   sync.Mutex
	subs map[string][]*Subscription
	ctx  context.Context
	stop context.CancelFunc
}

// NewKafkaBroker dials brokerList and starts the async producer. replicas
// mirrors the teacher's DefaultReplicas=1 devnet default when zero.
func NewKafkaBroker(brokerList []string, replicas int16) (*KafkaBroker, error) {
	if replicas <= 0 {
		replicas = 1
	}
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.MaxVersion

	producer, err := sarama.NewAsyncProducer(brokerList, cfg)
	if err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "KAFKA_PRODUCER", "failed to start kafka producer")
	}
	admin, err := sarama.NewClusterAdmin(brokerList, cfg)
	if err != nil {
		return nil, errs.Wrap(err, errs.Dependency, "KAFKA_ADMIN", "failed to connect kafka cluster admin")
	}
	ctx, cancel := context.WithCancel(context.Background())
	kb := &KafkaBroker{
		brokers: brokerList, producer: producer, admin: admin, replicas: replicas,
		subs: map[string][]*Subscription{}, ctx: ctx, stop: cancel,
	}
	go kb.drainErrors()
	return kb, nil
}

func (k *KafkaBroker) drainErrors() {
	for {
		select {
		case <-k.ctx.Done():
			return
		case perr, ok := <-k.producer.Errors():
			if !ok {
				return
			}
			log.Error("kafka publish failed", "topic", perr.Msg.Topic, "err", perr.Err)
		}
	}
}

func (k *KafkaBroker) createTopic(topic string) {
	_ = k.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     10,
		ReplicationFactor: k.replicas,
	}, false)
}

func (k *KafkaBroker) Publish(topic string, data []byte) error {
	k.createTopic(topic)
	k.producer.Input() <- &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.ByteEncoder(data),
	}
	return nil
}

// Subscribe registers an in-process fan-out target; the actual Kafka
// consumer group loop (started once per groupID via RunConsumerGroup) delivers
// messages into every subscription registered for its topic.
func (k *KafkaBroker) Subscribe(topic string) (*Subscription, func()) {
	k.mu.Lock()
	defer k.mu.Unlock()
	sub := newSubscription(64)
	k.subs[topic] = append(k.subs[topic], sub)
	cancel := func() {
		k.mu.Lock()
		defer k.mu.Unlock()
		list := k.subs[topic]
		for i, s := range list {
			if s == sub {
				k.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return sub, cancel
}

func (k *KafkaBroker) fanOut(topic string, msg Message) {
	k.mu.Lock()
	subs := append([]*Subscription{}, k.subs[topic]...)
	k.mu.Unlock()
	for _, s := range subs {
		s.deliver(msg)
	}
}

// RunConsumerGroup joins groupID and consumes topics until ctx is
// cancelled, fanning every message out to this broker's local
// subscribers. Sequence numbers come from the partition offset, letting a
// subscriber detect gaps.
func (k *KafkaBroker) RunConsumerGroup(ctx context.Context, groupID string, topics []string) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.MaxVersion
	group, err := sarama.NewConsumerGroup(k.brokers, groupID, cfg)
	if err != nil {
		return errs.Wrap(err, errs.Dependency, "KAFKA_CONSUMER_GROUP", "failed to join consumer group")
	}
	handler := &groupHandler{broker: k}
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("kafka consume error, retrying", "err", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

type groupHandler struct{ broker *KafkaBroker }

func (groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.broker.fanOut(msg.Topic, Message{Topic: msg.Topic, Seq: uint64(msg.Offset), Data: msg.Value})
		sess.MarkMessage(msg, "")
	}
	return nil
}

func (k *KafkaBroker) Close() error {
	k.stop()
	_ = k.admin.Close()
	return k.producer.Close()
}
