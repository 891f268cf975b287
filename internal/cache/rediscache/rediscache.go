// Package rediscache provides Redis-backed cache backends: a key/value cache
// ("redis") and a sorted-set time-series cache ("redis-series").
//
// Configuration document:
//
//	{"type":"redis","addr":"127.0.0.1:6379","password":"","db":0,"prefix":"kernel:","ttl_ms":0}
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/service_kernel/internal/cache"
	"github.com/R3E-Network/service_kernel/internal/resource"
)

const (
	TypeCache  = "redis"
	TypeSeries = "redis-series"

	defaultAddr   = "127.0.0.1:6379"
	maxTxnRetries = 8
)

// Options is the decoded configuration shared by both backends.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func optionsFrom(b *resource.Base) Options {
	opts := Options{
		Addr:     b.Field("addr").String(),
		Password: b.Field("password").String(),
		DB:       int(b.Field("db").Int()),
		Prefix:   b.Field("prefix").String(),
		TTL:      time.Duration(b.Field("ttl_ms").Int()) * time.Millisecond,
	}
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.Prefix == "" {
		opts.Prefix = b.Name() + ":"
	}
	return opts
}

// conn holds the client shared by both backend kinds.
type conn struct {
	mu     sync.RWMutex
	client *redis.Client
	opts   Options
}

func (c *conn) open(ctx context.Context, b *resource.Base) error {
	opts := optionsFrom(b)
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	c.mu.Lock()
	c.client, c.opts = client, opts
	c.mu.Unlock()
	return nil
}

func (c *conn) close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

func (c *conn) get() (*redis.Client, Options, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, Options{}, cache.ErrNotStarted
	}
	return c.client, c.opts, nil
}

// Cache stores each value as a JSON string under prefix+key.
type Cache struct {
	*resource.Base
	*cache.Executor
	conn conn
}

// NewCache creates an unconfigured Redis cache.
func NewCache(name string) *Cache {
	c := &Cache{Base: resource.NewBase(name, TypeCache)}
	c.Executor = cache.NewExecutor(name, c)
	return c
}

// CacheFactory is the kernel catalog entry for "redis".
func CacheFactory(name string) resource.Backend { return NewCache(name) }

func (c *Cache) Start(ctx context.Context) error { return c.conn.open(ctx, c.Base) }
func (c *Cache) Stop(context.Context) error      { return c.conn.close() }

func encode(v cache.Value) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode(s string) (cache.Value, error) {
	var v cache.Value
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func (c *Cache) Load(ctx context.Context, key cache.Key) (cache.Value, bool, error) {
	client, opts, err := c.conn.get()
	if err != nil {
		return cache.Value{}, false, err
	}
	s, err := client.Get(ctx, opts.Prefix+key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return cache.Value{}, false, nil
	}
	if err != nil {
		return cache.Value{}, false, err
	}
	v, err := decode(s)
	return v, err == nil, err
}

func (c *Cache) Store(ctx context.Context, key cache.Key, value cache.Value) error {
	client, opts, err := c.conn.get()
	if err != nil {
		return err
	}
	s, err := encode(value)
	if err != nil {
		return err
	}
	return client.Set(ctx, opts.Prefix+key.String(), s, opts.TTL).Err()
}

func (c *Cache) Delete(ctx context.Context, key cache.Key) error {
	client, opts, err := c.conn.get()
	if err != nil {
		return err
	}
	return client.Del(ctx, opts.Prefix+key.String()).Err()
}

// Execute holds the local key lock and runs txn inside WATCH/MULTI so that
// writers in other processes are excluded as well. Writes are buffered and
// applied atomically. On a conflicting write the transaction is performed
// again, up to a bounded number of attempts.
func (c *Cache) Execute(ctx context.Context, key cache.Key, txn cache.Transaction) (err error) {
	if txn == nil {
		return cache.ErrNilTransaction
	}
	begin := time.Now()
	defer func() { c.RecordTransaction(time.Since(begin), err) }()

	client, opts, err := c.conn.get()
	if err != nil {
		return err
	}
	unlock, err := c.Locks().Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	rkey := opts.Prefix + key.String()
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err = client.Watch(ctx, func(tx *redis.Tx) error {
			tc := &watchTxn{ctx: ctx, key: key, rkey: rkey, tx: tx}
			if err := txn.Perform(tc); err != nil {
				return err
			}
			if !tc.dirty {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				if tc.removed {
					p.Del(ctx, rkey)
					return nil
				}
				p.Set(ctx, rkey, tc.pending, opts.TTL)
				return nil
			})
			return err
		}, rkey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %s: %w", key, err)
}

type watchTxn struct {
	ctx     context.Context
	key     cache.Key
	rkey    string
	tx      *redis.Tx
	dirty   bool
	removed bool
	pending string
}

func (t *watchTxn) Context() context.Context { return t.ctx }
func (t *watchTxn) Key() cache.Key           { return t.key }

func (t *watchTxn) Get() (cache.Value, bool, error) {
	if t.dirty {
		if t.removed {
			return cache.Value{}, false, nil
		}
		v, err := decode(t.pending)
		return v, err == nil, err
	}
	s, err := t.tx.Get(t.ctx, t.rkey).Result()
	if errors.Is(err, redis.Nil) {
		return cache.Value{}, false, nil
	}
	if err != nil {
		return cache.Value{}, false, err
	}
	v, err := decode(s)
	return v, err == nil, err
}

func (t *watchTxn) Put(value cache.Value) error {
	s, err := encode(value)
	if err != nil {
		return err
	}
	t.dirty, t.removed, t.pending = true, false, s
	return nil
}

func (t *watchTxn) Remove() error {
	t.dirty, t.removed, t.pending = true, true, ""
	return nil
}

// Series keeps one sorted set per key scored by timestamp. Each member
// carries a unique id so identical values at the same timestamp stay
// distinct entries.
type Series struct {
	*resource.Base
	conn conn
	now  func() time.Time
}

type member struct {
	ID        string         `json:"id"`
	Value     map[string]any `json:"value"`
	Timestamp int64          `json:"timestamp"`
}

// NewSeries creates an unconfigured Redis time-series cache.
func NewSeries(name string) *Series {
	return &Series{Base: resource.NewBase(name, TypeSeries), now: time.Now}
}

// SeriesFactory is the kernel catalog entry for "redis-series".
func SeriesFactory(name string) resource.Backend { return NewSeries(name) }

func (s *Series) Start(ctx context.Context) error { return s.conn.open(ctx, s.Base) }
func (s *Series) Stop(context.Context) error      { return s.conn.close() }

func (s *Series) Add(ctx context.Context, key cache.Key, value cache.Value) (cache.Value, error) {
	if value.IsObject() {
		return cache.Value{}, cache.ErrOpaqueValue
	}
	client, opts, err := s.conn.get()
	if err != nil {
		return cache.Value{}, err
	}
	if value.Timestamp == 0 {
		value.Timestamp = s.now().UnixMilli()
	}
	data, err := json.Marshal(member{ID: uuid.NewString(), Value: value.Document(), Timestamp: value.Timestamp})
	if err != nil {
		return cache.Value{}, err
	}
	err = client.ZAdd(ctx, opts.Prefix+key.String(), &redis.Z{
		Score:  float64(value.Timestamp),
		Member: string(data),
	}).Err()
	if err != nil {
		return cache.Value{}, err
	}
	return value, nil
}

func (s *Series) Query(ctx context.Context, key cache.Key, begin, end int64) ([]cache.Value, error) {
	client, opts, err := s.conn.get()
	if err != nil {
		return nil, err
	}
	if end < begin {
		return nil, nil
	}
	raw, err := client.ZRangeByScore(ctx, opts.Prefix+key.String(), &redis.ZRangeBy{
		Min: strconv.FormatInt(begin, 10),
		Max: strconv.FormatInt(end, 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]cache.Value, 0, len(raw))
	for _, r := range raw {
		var m member
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode series member: %w", err)
		}
		out = append(out, cache.NewValue(m.Value).WithTimestamp(m.Timestamp))
	}
	return out, nil
}

func (s *Series) Delete(ctx context.Context, key cache.Key, before int64) (int, error) {
	client, opts, err := s.conn.get()
	if err != nil {
		return 0, err
	}
	n, err := client.ZRemRangeByScore(ctx, opts.Prefix+key.String(), "-inf", strconv.FormatInt(before, 10)).Result()
	return int(n), err
}

var (
	_ cache.Backend       = (*Cache)(nil)
	_ cache.SeriesBackend = (*Series)(nil)
)
