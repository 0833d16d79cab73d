// Package queue dispatches job ids to workers over Redis streams, one stream
// per priority band. The database owns job state; messages here carry only
// the id to process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"echopilot/internal/util"
	"echopilot/pkg/domain"
)

// Handler processes one dispatched job id. A nil return acks the message; an
// error requeues it until the delivery budget is spent.
type Handler func(ctx context.Context, jobID string) error

// Dispatcher enqueues and consumes job ids.
type Dispatcher interface {
	Enqueue(ctx context.Context, jobID string, priority domain.Priority) error
	Start(ctx context.Context, concurrency int, handler Handler)
	Depths(ctx context.Context) (map[domain.Priority]int64, error)
	Close() error
}

type RedisDispatcher struct {
	client       *redis.Client
	streams      map[domain.Priority]string
	group        string
	consumerBase string
	maxDeliver   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
}

type RedisConfig struct {
	Addr         string
	Password     string
	StreamPrefix string
	Group        string
	Consumer     string
	MaxDeliver   int
	Block        time.Duration
	ClaimIdle    time.Duration
	RetryDelay   time.Duration
	MaxLen       int64
	ReadCount    int64
}

// descending priority; the consume loop drains earlier bands first
var bands = []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}

func NewRedisDispatcher(cfg RedisConfig) (*RedisDispatcher, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix := strings.TrimSpace(cfg.StreamPrefix)
	if prefix == "" {
		prefix = "jobs"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}

	streams := make(map[domain.Priority]string, len(bands))
	for _, p := range bands {
		streams[p] = fmt.Sprintf("%s:%s", prefix, p)
	}
	return &RedisDispatcher{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		streams:      streams,
		group:        group,
		consumerBase: consumer,
		maxDeliver:   maxDeliver,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
	}, nil
}

func (d *RedisDispatcher) Enqueue(ctx context.Context, jobID string, priority domain.Priority) error {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return errors.New("job id required")
	}
	stream, ok := d.streams[priority]
	if !ok {
		stream = d.streams[domain.PriorityNormal]
	}
	return d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: d.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":     jobID,
			"deliveries": "0",
		},
	}).Err()
}

// Depths reports the backlog length per priority band.
func (d *RedisDispatcher) Depths(ctx context.Context) (map[domain.Priority]int64, error) {
	out := make(map[domain.Priority]int64, len(bands))
	for _, p := range bands {
		n, err := d.client.XLen(ctx, d.streams[p]).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}

func (d *RedisDispatcher) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	d.ensureGroups(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", d.consumerBase, i)
		go d.consumeLoop(ctx, consumer, handler)
	}
}

func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}

func (d *RedisDispatcher) ensureGroups(ctx context.Context) {
	d.once.Do(func() {
		for _, p := range bands {
			err := d.client.XGroupCreateMkStream(ctx, d.streams[p], d.group, "0").Err()
			if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
				// best-effort; errors surface on consume
			}
		}
	})
}

// consumeLoop drains bands strictly in priority order: a high message is
// always delivered before any waiting normal or low one. Only when every
// band is empty does the loop block briefly on all three.
func (d *RedisDispatcher) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		for _, p := range bands {
			if msgs, err := d.claimPending(ctx, d.streams[p], consumer); err == nil {
				for _, msg := range msgs {
					d.handleMessage(ctx, d.streams[p], consumer, msg, handler)
				}
			}
		}

		handled := false
		for _, p := range bands {
			msgs, err := d.readBand(ctx, d.streams[p], consumer)
			if err != nil {
				continue
			}
			if len(msgs) > 0 {
				handled = true
				for _, msg := range msgs {
					d.handleMessage(ctx, d.streams[p], consumer, msg, handler)
				}
				break
			}
		}
		if handled {
			continue
		}

		// all bands empty; block on all of them until something arrives
		streams := make([]string, 0, len(bands)*2)
		for _, p := range bands {
			streams = append(streams, d.streams[p])
		}
		for range bands {
			streams = append(streams, ">")
		}
		res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    d.group,
			Consumer: consumer,
			Streams:  streams,
			Count:    d.readCount,
			Block:    d.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				d.handleMessage(ctx, stream.Stream, consumer, msg, handler)
			}
		}
	}
}

// readBand does a non-blocking read from one stream. Block is negative so
// the BLOCK argument is omitted entirely.
func (d *RedisDispatcher) readBand(ctx context.Context, stream, consumer string) ([]redis.XMessage, error) {
	res, err := d.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    d.group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    d.readCount,
		Block:    -1,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (d *RedisDispatcher) claimPending(ctx context.Context, stream, consumer string) ([]redis.XMessage, error) {
	res, _, err := d.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    d.group,
		Consumer: consumer,
		MinIdle:  d.claimIdle,
		Start:    "0-0",
		Count:    d.readCount,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (d *RedisDispatcher) handleMessage(ctx context.Context, stream, consumer string, msg redis.XMessage, handler Handler) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		d.ackAndDel(ctx, stream, msg.ID)
		return
	}
	deliveries := 0
	if v, _ := msg.Values["deliveries"].(string); v != "" {
		deliveries, _ = strconv.Atoi(v)
	}
	if err := handler(ctx, jobID); err == nil {
		d.ackAndDel(ctx, stream, msg.ID)
		return
	}
	if deliveries+1 >= d.maxDeliver {
		d.ackAndDel(ctx, stream, msg.ID)
		return
	}
	if d.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryDelay):
		}
	}
	_ = d.requeueAndAck(ctx, stream, msg.ID, jobID, deliveries+1)
}

func (d *RedisDispatcher) ackAndDel(ctx context.Context, stream, msgID string) {
	_, _ = d.client.XAck(ctx, stream, d.group, msgID).Result()
	_, _ = d.client.XDel(ctx, stream, msgID).Result()
}

func (d *RedisDispatcher) requeueAndAck(ctx context.Context, stream, msgID, jobID string, deliveries int) error {
	pipe := d.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: d.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":     jobID,
			"deliveries": strconv.Itoa(deliveries),
		},
	})
	pipe.XAck(ctx, stream, d.group, msgID)
	pipe.XDel(ctx, stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}
