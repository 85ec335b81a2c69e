package chat

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisQueueConfig configures the Redis Streams fanout bus. When Client is
// set the queue reuses it and ignores the connection fields; closing the
// queue is then the caller's responsibility.
type RedisQueueConfig struct {
	Client       redis.UniversalClient
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Stream       string
	MaxLen       int64
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// RedisConnConfig holds the connection settings shared by every Redis-backed
// component: the queue, the session store, and the rate limiter counters.
type RedisConnConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	MasterName   string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	TLS          RedisTLSConfig
}

// NewRedisClient builds a universal Redis client from the connection config.
// The caller owns the client and closes it at shutdown.
func NewRedisClient(cfg RedisConnConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// NewRedisQueue initialises a fanout bus backed by a Redis stream. Unlike a
// work queue there is no consumer group: every subscriber tails the stream
// from its subscribe point, so every node observes every event. The stream is
// capped at MaxLen entries since delivery, not replay, is the goal.
func NewRedisQueue(cfg RedisQueueConfig) (Queue, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "embercast:chat"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 4096
	}
	client := cfg.Client
	ownsClient := client == nil
	if client == nil {
		built, err := NewRedisClient(RedisConnConfig{
			Addr:         cfg.Addr,
			Addrs:        cfg.Addrs,
			Username:     cfg.Username,
			Password:     cfg.Password,
			MasterName:   cfg.MasterName,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			TLS:          cfg.TLS,
		})
		if err != nil {
			return nil, err
		}
		client = built
	}
	queue := &redisQueue{
		client:       client,
		ownsClient:   ownsClient,
		stream:       stream,
		maxLen:       cfg.MaxLen,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if queue.logger == nil {
		queue.logger = slog.Default()
	}
	if queue.blockTimeout <= 0 {
		queue.blockTimeout = 2 * time.Second
	}
	return queue, nil
}

type redisQueue struct {
	client       redis.UniversalClient
	ownsClient   bool
	stream       string
	maxLen       int64
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int
}

func (q *redisQueue) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (q *redisQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		queue:  q,
		cancel: cancel,
		ch:     make(chan Event, q.buffer),
	}
	go sub.run(ctx)
	return sub
}

// Close releases the underlying Redis client when the queue created it.
// Subscriptions should be closed first.
func (q *redisQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

type redisSubscription struct {
	queue  *redisQueue
	cancel context.CancelFunc

	once sync.Once
	ch   chan Event
}

func (s *redisSubscription) Events() <-chan Event {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.ch)
	// "$" tails from the moment of subscription; replaying history to a
	// fresh broadcaster would duplicate frames viewers already saw.
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := s.queue.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.queue.stream, lastID},
			Count:   64,
			Block:   s.queue.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout with nothing to read.
				continue
			}
			s.queue.logger.Warn("redis queue read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				lastID = message.ID
				payload, ok := message.Values["payload"].(string)
				if !ok || payload == "" {
					continue
				}
				var event Event
				if err := json.Unmarshal([]byte(payload), &event); err != nil {
					s.queue.logger.Error("redis queue decode failed", "id", message.ID, "error", err)
					continue
				}
				select {
				case s.ch <- event:
				case <-ctx.Done():
					return
				default:
					// Drop rather than stall the tail; the
					// local registry applies the same policy
					// per connection.
					s.queue.logger.Warn("redis queue subscriber overflow", "id", message.ID)
				}
			}
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
