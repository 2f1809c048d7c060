// README: Batched audit stream of ledger events; processors ship batches to Kafka or the log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"relay/internal/modules/order"
)

// Record is the wire form of one committed ledger event.
type Record struct {
	EventID    int64     `json:"event_id"`
	OrderID    string    `json:"order_id"`
	Kind       string    `json:"kind"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorRole  string    `json:"actor_role"`
	ActorID    string    `json:"actor_id"`
	Version    int       `json:"version"`
	At         time.Time `json:"at"`
}

func fromEvent(e order.Event) Record {
	return Record{
		EventID:    e.ID,
		OrderID:    string(e.OrderID),
		Kind:       string(e.Kind),
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		ActorRole:  string(e.ActorRole),
		ActorID:    string(e.ActorID),
		Version:    e.Version,
		At:         e.CreatedAt,
	}
}

type Processor interface {
	Process(ctx context.Context, batch []Record) error
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Buffer        int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	return c
}

// Pool batches records on a single worker so per-order order is kept.
type Pool struct {
	cfg        Config
	in         chan Record
	processors []Processor
	log        *slog.Logger

	mu      sync.Mutex
	dropped int64
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPool(cfg Config, log *slog.Logger, processors ...Processor) *Pool {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Pool{
		cfg:        cfg,
		in:         make(chan Record, cfg.Buffer),
		processors: processors,
		log:        log.With("component", "audit"),
	}
}

// Record implements order.Auditor. It never blocks the ledger writer.
func (p *Pool) Record(e order.Event) {
	select {
	case p.in <- fromEvent(e):
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		p.log.Warn("audit buffer full, dropping event", "order_id", e.OrderID, "event_id", e.ID)
	}
}

func (p *Pool) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.worker(ctx)
}

// Shutdown stops the worker after it flushes what is buffered.
func (p *Pool) Shutdown() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Pool) worker(ctx context.Context) {
	defer close(p.done)
	var batch []Record
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-p.in:
					batch = append(batch, r)
				default:
					p.flush(batch)
					return
				}
			}
		case r := <-p.in:
			batch = append(batch, r)
			if len(batch) >= p.cfg.BatchSize {
				p.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			p.flush(batch)
			batch = nil
		}
	}
}

func (p *Pool) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	// the pool context is already cancelled on the final flush
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, proc := range p.processors {
		if err := proc.Process(ctx, batch); err != nil {
			p.log.Error("audit batch failed", "records", len(batch), "error", err)
		}
	}
}

// KafkaProcessor publishes one message per record keyed by order id, so all
// events of an order land on one partition in commit order.
type KafkaProcessor struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaProcessor(producer sarama.SyncProducer, topic string) *KafkaProcessor {
	return &KafkaProcessor{producer: producer, topic: topic}
}

func (k *KafkaProcessor) Process(_ context.Context, batch []Record) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(batch))
	for _, r := range batch {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(r.OrderID),
			Value: sarama.ByteEncoder(b),
		})
	}
	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka send %d records: %w", len(msgs), err)
	}
	return nil
}

type LogProcessor struct {
	log *slog.Logger
}

func NewLogProcessor(log *slog.Logger) *LogProcessor {
	if log == nil {
		log = slog.Default()
	}
	return &LogProcessor{log: log.With("component", "audit")}
}

func (l *LogProcessor) Process(ctx context.Context, batch []Record) error {
	for _, r := range batch {
		l.log.InfoContext(ctx, "order event",
			"order_id", r.OrderID,
			"kind", r.Kind,
			"from", r.FromStatus,
			"to", r.ToStatus,
			"actor_role", r.ActorRole,
			"version", r.Version,
		)
	}
	return nil
}
