package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type partitionKey struct {
	topic     string
	partition int
}

// MemoryLog is a single-process Log for development and tests. Every Next
// call starts a new generation that owns all partitions and resumes from the
// committed offsets, which makes redelivery after a simulated crash explicit.
type MemoryLog struct {
	mu        sync.Mutex
	parts     map[partitionKey][]Message
	committed map[partitionKey]int64
	commits   int
	notify    chan struct{}
	current   *memoryGeneration
	closed    bool

	failFetches int
	failCommits int
}

// NewMemoryLog creates a log with the given topics, each with partitions
// partitions.
func NewMemoryLog(partitions int, topics ...string) *MemoryLog {
	if partitions <= 0 {
		partitions = 1
	}
	l := &MemoryLog{
		parts:     make(map[partitionKey][]Message),
		committed: make(map[partitionKey]int64),
		notify:    make(chan struct{}),
	}
	for _, t := range topics {
		for p := 0; p < partitions; p++ {
			l.parts[partitionKey{t, p}] = nil
		}
	}
	return l
}

// Append adds a message to topic/partition and returns its offset.
func (l *MemoryLog) Append(topic string, partition int, key, value []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := partitionKey{topic, partition}
	off := int64(len(l.parts[k]))
	l.parts[k] = append(l.parts[k], Message{
		Topic:     topic,
		Partition: partition,
		Offset:    off,
		Key:       key,
		Value:     value,
	})
	close(l.notify)
	l.notify = make(chan struct{})
	return off
}

// Committed returns the committed offset of topic/partition.
func (l *MemoryLog) Committed(topic string, partition int) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed[partitionKey{topic, partition}]
}

// Commits returns how many successful commits were made.
func (l *MemoryLog) Commits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commits
}

// FailFetches makes the next n Fetch calls fail.
func (l *MemoryLog) FailFetches(n int) {
	l.mu.Lock()
	l.failFetches = n
	l.mu.Unlock()
}

// FailCommits makes the next n Commit calls fail.
func (l *MemoryLog) FailCommits(n int) {
	l.mu.Lock()
	l.failCommits = n
	l.mu.Unlock()
}

// Next ends the current generation, if any, and starts a new one.
func (l *MemoryLog) Next(ctx context.Context) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.current != nil {
		l.current.end()
	}

	keys := make([]partitionKey, 0, len(l.parts))
	for k := range l.parts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic != keys[j].topic {
			return keys[i].topic < keys[j].topic
		}
		return keys[i].partition < keys[j].partition
	})

	gen := &memoryGeneration{done: make(chan struct{})}
	for _, k := range keys {
		gen.claims = append(gen.claims, &memoryClaim{
			log:      l,
			gen:      gen,
			key:      k,
			position: l.committed[k],
		})
	}
	l.current = gen
	return gen, nil
}

// Rebalance ends the current generation, as a group rebalance would.
func (l *MemoryLog) Rebalance() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		l.current.end()
	}
}

// Close ends the current generation and refuses further ones.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.current != nil {
		l.current.end()
	}
	return nil
}

type memoryGeneration struct {
	claims []Claim
	once   sync.Once
	done   chan struct{}
}

func (g *memoryGeneration) end() { g.once.Do(func() { close(g.done) }) }

func (g *memoryGeneration) Claims() []Claim { return g.claims }

func (g *memoryGeneration) Run(ctx context.Context, fn func(ctx context.Context, c Claim)) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for _, c := range g.claims {
		wg.Add(1)
		go func(c Claim) {
			defer wg.Done()
			fn(runCtx, c)
		}(c)
	}
	wg.Wait()
}

type memoryClaim struct {
	log      *MemoryLog
	gen      *memoryGeneration
	key      partitionKey
	position int64
}

func (c *memoryClaim) Topic() string  { return c.key.topic }
func (c *memoryClaim) Partition() int { return c.key.partition }

func (c *memoryClaim) Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	var deadline <-chan time.Time
	for {
		c.log.mu.Lock()
		if c.log.failFetches > 0 {
			c.log.failFetches--
			c.log.mu.Unlock()
			return nil, ErrInjected
		}
		msgs := c.log.parts[c.key]
		avail := int64(len(msgs)) - c.position
		notify := c.log.notify
		if avail >= int64(max) || (avail > 0 && deadline == nil && wait <= 0) {
			out := c.take(msgs, max)
			c.log.mu.Unlock()
			return out, nil
		}
		c.log.mu.Unlock()

		if avail > 0 && deadline == nil {
			t := time.NewTimer(wait)
			defer t.Stop()
			deadline = t.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.gen.done:
			return nil, context.Canceled
		case <-notify:
		case <-deadline:
			c.log.mu.Lock()
			out := c.take(c.log.parts[c.key], max)
			c.log.mu.Unlock()
			return out, nil
		}
	}
}

// take copies up to max messages from the claim position. Callers hold log.mu.
func (c *memoryClaim) take(msgs []Message, max int) []Message {
	end := c.position + int64(max)
	if end > int64(len(msgs)) {
		end = int64(len(msgs))
	}
	out := make([]Message, end-c.position)
	copy(out, msgs[c.position:end])
	c.position = end
	return out
}

func (c *memoryClaim) Commit(_ context.Context, next int64) error {
	c.log.mu.Lock()
	defer c.log.mu.Unlock()
	select {
	case <-c.gen.done:
		return context.Canceled
	default:
	}
	if c.log.failCommits > 0 {
		c.log.failCommits--
		return ErrInjected
	}
	c.log.committed[c.key] = next
	c.log.commits++
	return nil
}
