package gpubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/textileio/candle-auction/msgbroker"
	golog "github.com/textileio/go-log/v2"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

var log = golog.Logger("gpubsub")

// PubsubMsgBroker is a msgbroker.MsgBroker backed by Google PubSub.
type PubsubMsgBroker struct {
	topicPrefix string
	subsName    string

	client          *pubsub.Client
	clientCtx       context.Context
	clientCtxCancel context.CancelFunc

	topicCacheLock sync.Mutex
	topicCache     map[string]*pubsub.Topic

	metrics metricsCollector
}

var _ msgbroker.MsgBroker = (*PubsubMsgBroker)(nil)

// New returns a new PubsubMsgBroker. An empty apiKey relies on ambient
// credentials, which covers the emulator case.
func New(projectID, apiKey, topicPrefix, subsName string) (*PubsubMsgBroker, error) {
	if projectID == "" {
		return nil, fmt.Errorf("project-id is empty")
	}
	if subsName == "" {
		return nil, fmt.Errorf("subscription name is empty")
	}

	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(apiKey)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating pubsub client: %s", err)
	}

	return &PubsubMsgBroker{
		topicPrefix: topicPrefix,
		subsName:    subsName,

		client:          client,
		clientCtx:       ctx,
		clientCtxCancel: cancel,

		topicCache: map[string]*pubsub.Topic{},

		metrics: noopMetricsCollector{},
	}, nil
}

// RegisterTopicHandler registers a handler for a topic, creating the
// topic and the daemon-scoped subscription when they don't exist.
func (p *PubsubMsgBroker) RegisterTopicHandler(
	topicName msgbroker.TopicName,
	handler msgbroker.TopicHandler,
	opts ...msgbroker.Option,
) error {
	config, err := msgbroker.ApplyRegisterHandlerOptions(opts...)
	if err != nil {
		return fmt.Errorf("applying options: %s", err)
	}

	fullTopic := p.topicPrefix + string(topicName)
	topic, err := p.getTopic(fullTopic)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}

	subsName := p.subsName + "-" + fullTopic
	var sub *pubsub.Subscription
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	it := topic.Subscriptions(ctx)
	for {
		subi, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("looking for subscription: %s", err)
		}
		if subi.ID() == subsName {
			sub = subi
			break
		}
	}
	if sub == nil {
		log.Warnf("creating subscription %s for topic %s", subsName, fullTopic)

		subConfig := pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: config.AckDeadline,
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		sub, err = p.client.CreateSubscription(ctx, subsName, subConfig)
		if err != nil {
			return fmt.Errorf("creating subscription: %s", err)
		}
	}

	go func() {
		err := sub.Receive(p.clientCtx, func(ctx context.Context, m *pubsub.Message) {
			start := time.Now()
			err := handler(ctx, m.Data)
			p.metrics.onHandle(ctx, fullTopic, time.Since(start), err)
			if err != nil {
				log.Errorf("handling message in topic %s: %s", fullTopic, err)
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil {
			log.Errorf("receive handler subscription %s, topic %s: %s", subsName, fullTopic, err)
		}
	}()

	log.Debugf("registered handler for %s:%s", subsName, fullTopic)
	return nil
}

// PublishMsg publishes data to a topic, creating the topic when it
// doesn't exist.
func (p *PubsubMsgBroker) PublishMsg(ctx context.Context, topicName msgbroker.TopicName, data []byte) error {
	fullTopic := p.topicPrefix + string(topicName)
	topic, err := p.getTopic(fullTopic)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}
	msg := pubsub.Message{
		Data: data,
	}
	pr := topic.Publish(ctx, &msg)
	_, err = pr.Get(ctx)
	p.metrics.onPublish(ctx, fullTopic, err)
	if err != nil {
		return fmt.Errorf("publishing to pubsub: %s", err)
	}

	return nil
}

func (p *PubsubMsgBroker) getTopic(name string) (*pubsub.Topic, error) {
	p.topicCacheLock.Lock()
	defer p.topicCacheLock.Unlock()
	topic, ok := p.topicCache[name]
	if ok {
		return topic, nil
	}

	topic = p.client.Topic(name)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	exist, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic exists: %s", err)
	}
	if !exist {
		log.Warnf("creating topic %s", name)

		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("creating topic %s: %s", name, err)
		}
	}
	p.topicCache[name] = topic

	return topic, nil
}

// Close stops publishing goroutines and closes the underlying client.
func (p *PubsubMsgBroker) Close() error {
	p.topicCacheLock.Lock()
	for _, topic := range p.topicCache {
		topic.Stop()
	}
	p.topicCacheLock.Unlock()
	p.clientCtxCancel()
	return p.client.Close()
}
