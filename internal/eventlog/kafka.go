package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds configuration for the Kafka consumer group.
type KafkaConfig struct {
	Brokers        []string      // list of broker addresses
	GroupID        string        // consumer group ID
	Topics         []string      // topics to consume
	MinBytes       int           // default 1
	MaxBytes       int           // default 10MB
	MaxWait        time.Duration // broker fetch wait, default 500ms
	SessionTimeout time.Duration // default 30s
	MaxAttempts    int           // partition reader connection attempts before Fetch fails, default 3
	FromOldest     bool          // start new groups at the first offset instead of the last
}

func (c *KafkaConfig) setDefaults() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one Kafka broker address is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("at least one topic is required")
	}
	if c.GroupID == "" {
		c.GroupID = "notification-service-group"
	}
	if c.MinBytes <= 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10e6 // 10MB
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return nil
}

// KafkaLog implements Log with a segmentio/kafka-go consumer group. Each
// assigned partition gets its own Reader positioned at the committed offset.
type KafkaLog struct {
	config KafkaConfig
	group  *kafka.ConsumerGroup

	mu     sync.Mutex
	closed bool
}

// NewKafkaLog joins the consumer group. Call Close() to leave it.
func NewKafkaLog(config KafkaConfig) (*KafkaLog, error) {
	if err := config.setDefaults(); err != nil {
		return nil, err
	}

	start := kafka.LastOffset
	if config.FromOldest {
		start = kafka.FirstOffset
	}

	group, err := kafka.NewConsumerGroup(kafka.ConsumerGroupConfig{
		ID:             config.GroupID,
		Brokers:        config.Brokers,
		Topics:         config.Topics,
		StartOffset:    start,
		SessionTimeout: config.SessionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &KafkaLog{config: config, group: group}, nil
}

// Next blocks until the group hands out the next generation.
func (l *KafkaLog) Next(ctx context.Context) (Generation, error) {
	gen, err := l.group.Next(ctx)
	if err != nil {
		if errors.Is(err, kafka.ErrGroupClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	var claims []Claim
	for topic, assignments := range gen.Assignments {
		for _, a := range assignments {
			claims = append(claims, &kafkaClaim{
				config:    l.config,
				gen:       gen,
				topic:     topic,
				partition: a.ID,
				offset:    a.Offset,
			})
		}
	}
	return &kafkaGeneration{gen: gen, claims: claims}, nil
}

// Close leaves the consumer group.
func (l *KafkaLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.group.Close()
}

type kafkaGeneration struct {
	gen    *kafka.Generation
	claims []Claim
}

func (g *kafkaGeneration) Claims() []Claim { return g.claims }

func (g *kafkaGeneration) Run(ctx context.Context, fn func(ctx context.Context, c Claim)) {
	var wg sync.WaitGroup
	for _, c := range g.claims {
		claim := c.(*kafkaClaim)
		wg.Add(1)
		g.gen.Start(func(genCtx context.Context) {
			defer wg.Done()
			runCtx, cancel := context.WithCancel(genCtx)
			stop := context.AfterFunc(ctx, cancel)
			defer stop()
			defer cancel()
			defer claim.close()
			fn(runCtx, claim)
		})
	}
	wg.Wait()
}

type kafkaClaim struct {
	config    KafkaConfig
	gen       *kafka.Generation
	topic     string
	partition int
	offset    int64
	reader    *kafka.Reader
}

func (c *kafkaClaim) Topic() string  { return c.topic }
func (c *kafkaClaim) Partition() int { return c.partition }

func (c *kafkaClaim) open() error {
	if c.reader != nil {
		return nil
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     c.config.Brokers,
		Topic:       c.topic,
		Partition:   c.partition,
		MinBytes:    c.config.MinBytes,
		MaxBytes:    c.config.MaxBytes,
		MaxWait:     c.config.MaxWait,
		MaxAttempts: c.config.MaxAttempts,
	})
	if err := r.SetOffset(c.offset); err != nil {
		_ = r.Close()
		return fmt.Errorf("set offset %d on %s/%d: %w", c.offset, c.topic, c.partition, err)
	}
	c.reader = r
	return nil
}

func (c *kafkaClaim) close() {
	if c.reader != nil {
		_ = c.reader.Close()
		c.reader = nil
	}
}

func (c *kafkaClaim) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if err := c.open(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	out := []Message{fromKafka(first)}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for len(out) < max {
		m, err := c.reader.FetchMessage(wctx)
		if err != nil {
			// The batch window closed; the reader keeps its position.
			break
		}
		out = append(out, fromKafka(m))
	}
	return out, nil
}

func (c *kafkaClaim) Commit(_ context.Context, next int64) error {
	err := c.gen.CommitOffsets(map[string]map[int]int64{
		c.topic: {c.partition: next},
	})
	if err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", c.topic, c.partition, next, err)
	}
	return nil
}

func fromKafka(m kafka.Message) Message {
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
	}
}
