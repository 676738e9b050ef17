package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/steam-market-monitor/internal/domain"
)

// Message is one stream entry handed to a consumer, paired with the stream
// id the acknowledgement refers to.
type Message struct {
	ID         string
	Descriptor domain.TaskDescriptor
}

// Stream is the Redis-streams transport behind the dispatcher. The publish
// side satisfies domain.TaskQueue; the read side goes through a shared
// consumer group so each entry is delivered to exactly one replica at a time.
type Stream struct {
	rdb    *redis.Client
	group  string
	maxLen int64
	log    *slog.Logger
}

// NewStream wraps an already-configured client. The stream is trimmed to
// roughly maxLen entries so a stalled fleet cannot grow it without bound.
func NewStream(rdb *redis.Client, group string, maxLen int64, log *slog.Logger) *Stream {
	if rdb == nil {
		return nil
	}
	if group == "" {
		group = "parsers"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	if log == nil {
		log = slog.Default()
	}
	return &Stream{rdb: rdb, group: group, maxLen: maxLen, log: log}
}

// Enqueue publishes a descriptor and pings the advisory wake channel.
func (s *Stream) Enqueue(ctx context.Context, d domain.TaskDescriptor) (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("op=dispatch.enqueue: %w", err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("op=dispatch.enqueue: %w", err)
	}
	// Advisory only. A lost ping costs at most one idle poll interval.
	if err := s.rdb.Publish(ctx, wakeChannel, strconv.FormatInt(d.TaskID, 10)).Err(); err != nil {
		s.log.Debug("wake ping failed", slog.Any("error", err))
	}
	return id, nil
}

// EnsureGroup creates the consumer group, starting at the beginning of the
// stream so a fresh group replays whatever is already queued. Creating a
// group that exists is not an error.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, streamKey, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=dispatch.group: %w", err)
	}
	return nil
}

// Fetch reads up to count fresh entries for this consumer, blocking up to
// block when none are queued. block <= 0 reads without blocking.
func (s *Stream) Fetch(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		block = -1
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{streamKey, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=dispatch.fetch: %w", err)
	}
	var msgs []redis.XMessage
	for _, set := range res {
		msgs = append(msgs, set.Messages...)
	}
	return s.collect(ctx, msgs), nil
}

// Claim takes over entries another consumer fetched but never acknowledged,
// once they have sat untouched for at least minIdle.
func (s *Stream) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	msgs, _, err := s.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   streamKey,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=dispatch.claim: %w", err)
	}
	return s.collect(ctx, msgs), nil
}

// Ack marks the entry done for the group.
func (s *Stream) Ack(ctx context.Context, id string) error {
	if err := s.rdb.XAck(ctx, streamKey, s.group, id).Err(); err != nil {
		return fmt.Errorf("op=dispatch.ack: %w", err)
	}
	return nil
}

// Wake subscribes to the advisory channel. The caller owns the returned
// subscription and must close it.
func (s *Stream) Wake(ctx context.Context) *redis.PubSub {
	return s.rdb.Subscribe(ctx, wakeChannel)
}

// Depth reports how many entries the stream currently holds.
func (s *Stream) Depth(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("op=dispatch.depth: %w", err)
	}
	return n, nil
}

func (s *Stream) collect(ctx context.Context, msgs []redis.XMessage) []Message {
	var out []Message
	for _, m := range msgs {
		d, err := decodeDescriptor(m)
		if err != nil {
			// Poison entries are acked away or they would redeliver forever.
			s.log.Warn("dropping malformed stream entry",
				slog.String("stream_id", m.ID), slog.Any("error", err))
			_ = s.Ack(ctx, m.ID)
			continue
		}
		out = append(out, Message{ID: m.ID, Descriptor: d})
	}
	return out
}

func decodeDescriptor(m redis.XMessage) (domain.TaskDescriptor, error) {
	raw, _ := m.Values["payload"].(string)
	if raw == "" {
		return domain.TaskDescriptor{}, errors.New("op=dispatch.decode: missing payload field")
	}
	var d domain.TaskDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return domain.TaskDescriptor{}, fmt.Errorf("op=dispatch.decode: %w", err)
	}
	if d.TaskID <= 0 {
		return domain.TaskDescriptor{}, fmt.Errorf("op=dispatch.decode: task id %d out of range", d.TaskID)
	}
	return d, nil
}
