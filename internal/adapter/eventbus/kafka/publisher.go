// Package kafka publishes match events to the shared event bus.
//
// Production is transactional so a crashed publisher never leaves a
// half-visible batch; downstream consumers additionally deduplicate on the
// event id.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// DefaultTopic receives the match events when no override is configured.
const DefaultTopic = "market-found-items"

// Publisher writes match events to one Kafka topic and implements
// domain.Notifier. Outage alerts are messenger-only and are ignored here.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
	// transactionChan serializes transactions; the client allows one open
	// transaction at a time while NotifyMatch may be called concurrently.
	transactionChan chan struct{}
}

// NewPublisher connects to the brokers and makes sure the topic exists.
// Topic creation failure is not fatal; restricted clusters provision
// topics out of band.
func NewPublisher(brokers []string, topic, transactionalID string, log *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewPublisher: no seed brokers")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if transactionalID == "" {
		transactionalID = "market-monitor-publisher"
	}
	if log == nil {
		log = slog.Default()
	}

	hooks := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(hooks.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewPublisher: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		log.Warn("topic creation failed, assuming it exists",
			slog.String("topic", topic),
			slog.Any("error", err))
	}

	log.Info("event bus publisher ready",
		slog.Any("brokers", brokers),
		slog.String("topic", topic),
		slog.String("transactional_id", transactionalID))
	return &Publisher{
		client:          client,
		topic:           topic,
		log:             log,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// NotifyMatch publishes ev in its own transaction, keyed by task id so the
// stream of one task stays ordered within its partition.
func (p *Publisher) NotifyMatch(ctx context.Context, ev domain.MatchEvent) error {
	rec, err := matchRecord(p.topic, ev)
	if err != nil {
		return err
	}

	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return fmt.Errorf("op=kafka.NotifyMatch event=%s: %w", ev.EventID, ctx.Err())
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=kafka.NotifyMatch begin event=%s: %w", ev.EventID, err)
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, rec, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			p.log.Error("transaction abort failed",
				slog.String("event_id", ev.EventID), slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=kafka.NotifyMatch produce event=%s: %w", ev.EventID, err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=kafka.NotifyMatch commit event=%s: %w", ev.EventID, err)
	}

	p.log.Debug("match event published",
		slog.String("event_id", ev.EventID),
		slog.String("topic", p.topic))
	return nil
}

// NotifyProxyOutage does nothing: pool outages go to the messenger, not
// the bus.
func (p *Publisher) NotifyProxyOutage(context.Context, domain.ProxyOutage) error { return nil }

// Close releases the client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

func matchRecord(topic string, ev domain.MatchEvent) (*kgo.Record, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.encode event=%s: %w", ev.EventID, err)
	}
	taskID := strconv.FormatInt(ev.TaskID, 10)
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(taskID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "task_id", Value: []byte(taskID)},
			{Key: "market_hash_name", Value: []byte(ev.MarketHashName)},
		},
	}, nil
}

// ensureTopic issues a CreateTopics request and swallows the
// already-exists answer (error code 36).
func ensureTopic(ctx context.Context, client *kgo.Client, topic string, partitions int32, replication int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	tr := kmsg.NewCreateTopicsRequestTopic()
	tr.Topic = topic
	tr.NumPartitions = partitions
	tr.ReplicationFactor = replication
	req.Topics = append(req.Topics, tr)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	ct, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type %T", resp)
	}
	for _, tres := range ct.Topics {
		if tres.ErrorCode == 0 || tres.ErrorCode == 36 {
			continue
		}
		msg := ""
		if tres.ErrorMessage != nil {
			msg = *tres.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", tres.Topic, msg, tres.ErrorCode)
	}
	return nil
}
