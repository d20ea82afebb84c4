// Package amqp publishes service audit entries to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"herbtrace/internal/core"
)

// DefaultExchange receives audit entries when Config.Exchange is empty.
const DefaultExchange = "herbtrace.audit"

// Channel is the subset of *amqp.Channel used by the publisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Config configures the connection and exchange.
type Config struct {
	URL       string
	Exchange  string
	QueueSize int
	Timeout   time.Duration
}

// Stats reports publisher counters.
type Stats struct {
	Published int64
	Failed    int64
	Dropped   int64
}

// Publisher is a core.AuditRecorder. Record never blocks the mutation path:
// entries are buffered and published by a background loop, and dropped when
// the buffer is full.
type Publisher struct {
	ch       Channel
	closer   func() error
	exchange string
	timeout  time.Duration
	logger   core.Logger

	queue chan core.AuditEntry
	once  sync.Once
	done  chan struct{}
	wg    sync.WaitGroup

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Dial connects to RabbitMQ, opens a channel and declares the exchange.
func Dial(cfg Config, logger core.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewPublisher(ch, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.closer = conn.Close
	return p, nil
}

// NewPublisher declares the exchange on ch and starts the publish loop.
func NewPublisher(ch Channel, cfg Config, logger core.Logger) (*Publisher, error) {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = discard{}
	}
	p := &Publisher{
		ch:       ch,
		exchange: exchange,
		timeout:  timeout,
		logger:   logger,
		queue:    make(chan core.AuditEntry, size),
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p, nil
}

// RoutingKey returns `audit.<operation>.<status>`.
func RoutingKey(entry core.AuditEntry) string {
	return "audit." + entry.Operation + "." + string(entry.Status)
}

// Record implements core.AuditRecorder.
func (p *Publisher) Record(_ context.Context, entry core.AuditEntry) {
	select {
	case <-p.done:
		p.dropped.Add(1)
		return
	default:
	}
	select {
	case p.queue <- entry:
	default:
		p.dropped.Add(1)
		p.logger.Warn("audit entry dropped", "operation", entry.Operation, "batch_id", string(entry.BatchID))
	}
}

func (p *Publisher) loop() {
	defer p.wg.Done()
	for {
		select {
		case entry := <-p.queue:
			p.publish(entry)
		case <-p.done:
			for {
				select {
				case entry := <-p.queue:
					p.publish(entry)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publish(entry core.AuditEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("encode audit entry", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	err = p.ch.PublishWithContext(ctx, p.exchange, RoutingKey(entry), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    entry.EventID,
		Timestamp:    entry.Timestamp,
		Body:         body,
	})
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("publish audit entry", "operation", entry.Operation, "batch_id", string(entry.BatchID), "error", err)
		return
	}
	p.published.Add(1)
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	return Stats{Published: p.published.Load(), Failed: p.failed.Load(), Dropped: p.dropped.Load()}
}

// Close flushes buffered entries, waiting at most until ctx is done, then
// closes the channel and connection.
func (p *Publisher) Close(ctx context.Context) error {
	p.once.Do(func() { close(p.done) })
	flushed := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(flushed)
	}()
	var err error
	select {
	case <-flushed:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := p.ch.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if p.closer != nil {
		if cerr := p.closer(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
