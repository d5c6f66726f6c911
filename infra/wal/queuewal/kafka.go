package queuewal

import (
	"context"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers           []string
	ClientID          string
	ReplicationFactor int16
	MinInsyncReplicas int
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
}

// KafkaBroker produces and fetches with kafka-go and manages topics,
// offsets and record deletion through sarama's admin client.
type KafkaBroker struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	client sarama.Client
	admin  sarama.ClusterAdmin
}

var _ Broker = (*KafkaBroker)(nil)

func NewKafkaBroker(cfg KafkaConfig) (*KafkaBroker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.MinInsyncReplicas <= 0 {
		cfg.MinInsyncReplicas = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "strata"
	}

	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Version = sarama.V2_8_0_0
	sc.Admin.Timeout = cfg.WriteTimeout
	sc.Admin.Retry.Max = 5
	sc.Metadata.Retry.Max = 5

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, errors.Wrap(err, "kafka: connect admin client")
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "kafka: create cluster admin")
	}

	return &KafkaBroker{
		cfg:    cfg,
		client: client,
		admin:  admin,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: cfg.WriteTimeout,
		},
	}, nil
}

func (k *KafkaBroker) EnsureTopic(ctx context.Context, topic string) error {
	minISR := strconv.Itoa(k.cfg.MinInsyncReplicas)
	retention := "-1"
	err := k.admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     1,
		ReplicationFactor: k.cfg.ReplicationFactor,
		ConfigEntries: map[string]*string{
			"min.insync.replicas": &minISR,
			"retention.ms":        &retention,
		},
	}, false)
	if err != nil && !isKError(err, sarama.ErrTopicAlreadyExists) {
		return errors.Wrapf(err, "kafka: create topic %s", topic)
	}
	return k.client.RefreshMetadata(topic)
}

func (k *KafkaBroker) Produce(ctx context.Context, topic string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: value,
	})
}

func (k *KafkaBroker) Fetch(ctx context.Context, topic string, from int64, max int) ([]Message, error) {
	_, high, err := k.Watermarks(ctx, topic)
	if err != nil {
		return nil, err
	}
	if from >= high {
		return nil, nil
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   k.cfg.Brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  16 << 20,
		MaxWait:   250 * time.Millisecond,
	})
	defer r.Close()
	if err := r.SetOffset(from); err != nil {
		return nil, errors.Wrapf(err, "kafka: seek %s to %d", topic, from)
	}

	var out []Message
	for next := from; next < high && len(out) < max; {
		fctx, cancel := context.WithTimeout(ctx, k.cfg.ReadTimeout)
		m, err := r.ReadMessage(fctx)
		cancel()
		if err != nil {
			return nil, errors.Wrapf(err, "kafka: read %s at %d", topic, next)
		}
		out = append(out, Message{Offset: m.Offset, Value: m.Value})
		next = m.Offset + 1
	}
	return out, nil
}

func (k *KafkaBroker) Watermarks(ctx context.Context, topic string) (int64, int64, error) {
	low, err := k.client.GetOffset(topic, 0, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "kafka: oldest offset of %s", topic)
	}
	high, err := k.client.GetOffset(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "kafka: newest offset of %s", topic)
	}
	return low, high, nil
}

func (k *KafkaBroker) DeleteRecords(ctx context.Context, topic string, before int64) error {
	return k.admin.DeleteRecords(topic, map[int32]int64{0: before})
}

func (k *KafkaBroker) DeleteTopic(ctx context.Context, topic string) error {
	err := k.admin.DeleteTopic(topic)
	if err != nil && !isKError(err, sarama.ErrUnknownTopicOrPartition) {
		return errors.Wrapf(err, "kafka: delete topic %s", topic)
	}
	return nil
}

func (k *KafkaBroker) Topics(ctx context.Context) ([]string, error) {
	topics, err := k.admin.ListTopics()
	if err != nil {
		return nil, errors.Wrap(err, "kafka: list topics")
	}
	out := make([]string, 0, len(topics))
	for name := range topics {
		out = append(out, name)
	}
	return out, nil
}

func (k *KafkaBroker) Close() error {
	werr := k.writer.Close()
	aerr := k.admin.Close()
	if werr != nil {
		return werr
	}
	return aerr
}

func isKError(err error, kerr sarama.KError) bool {
	if errors.Is(err, kerr) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == kerr
}
