package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const envelopeField = "envelope"

// StreamConfig configures a StreamLog.
type StreamConfig struct {
	// Prefix is prepended to topic names to form stream keys.
	Prefix string
	// MaxLen caps each stream (approximate trimming). Zero keeps everything.
	MaxLen int64
	// Block is how long one XREAD waits for new entries.
	Block time.Duration
}

// StreamLog is a Broadcaster over Redis Streams: one stream per topic, so
// order per topic is the stream's order. Subscribers read from the entries
// appended after they subscribed.
type StreamLog struct {
	client *redis.Client
	cfg    StreamConfig
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[string][]Handler
}

// NewStreamLog wraps a connected client. Ping first; a StreamLog does not
// check connectivity.
func NewStreamLog(client *redis.Client, cfg StreamConfig, log zerolog.Logger) *StreamLog {
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamLog{
		client:   client,
		cfg:      cfg,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]Handler),
	}
}

func (s *StreamLog) key(topic string) string { return s.cfg.Prefix + topic }

// Deliver appends env to the topic's stream.
func (s *StreamLog) Deliver(ctx context.Context, topic string, env Envelope) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	env.Topic = topic
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.key(topic),
		Values: map[string]any{envelopeField: data},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// Subscribe registers h for topic. The first subscription to a topic starts
// its reader at the current end of the stream.
func (s *StreamLog) Subscribe(topic string, h Handler) {
	s.mu.Lock()
	first := len(s.handlers[topic]) == 0
	s.handlers[topic] = append(s.handlers[topic], h)
	s.mu.Unlock()

	if first {
		s.wg.Add(1)
		go s.read(topic)
	}
}

func (s *StreamLog) read(topic string) {
	defer s.wg.Done()
	stream := s.key(topic)
	last := "$"
	for {
		res, err := s.client.XRead(s.ctx, &redis.XReadArgs{
			Streams: []string{stream, last},
			Block:   s.cfg.Block,
			Count:   100,
		}).Result()
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Str("stream", stream).Msg("xread failed")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, st := range res {
			for _, msg := range st.Messages {
				last = msg.ID
				s.dispatch(topic, msg)
			}
		}
	}
}

func (s *StreamLog) dispatch(topic string, msg redis.XMessage) {
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		s.log.Warn().Str("topic", topic).Str("entry", msg.ID).Msg("stream entry without envelope dropped")
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Str("entry", msg.ID).Msg("malformed stream entry dropped")
		return
	}
	env.Topic = topic

	s.mu.Lock()
	hs := append([]Handler(nil), s.handlers[topic]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

// Close stops every reader. The client is left open for its owner to close.
func (s *StreamLog) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}
