// Package staging holds accepted edits in Redis until an explicit save moves
// them to the durable store.
package staging

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"attendsync/internal/register"
)

const defaultPrefix = "attendsync:staged:"

// RedisStore stages patches as one hash per month. Hash fields are
// "employee|date|field" and values are the canonical new value.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultPrefix}
}

// Client returns the underlying client.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) key(month string) string { return s.prefix + month }

func (s *RedisStore) monthsKey() string { return s.prefix + "months" }

func cellField(p register.Patch) string {
	return p.EmployeeID + "|" + p.Date + "|" + string(p.Field)
}

// Stage records p as the latest staged value for its cell.
func (s *RedisStore) Stage(ctx context.Context, p register.Patch) error {
	if len(p.Date) < len(register.MonthLayout) {
		return fmt.Errorf("%w: date %q", register.ErrValidation, p.Date)
	}
	month := p.Date[:len(register.MonthLayout)]

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(month), cellField(p), p.NewValue)
	pipe.SAdd(ctx, s.monthsKey(), month)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("stage %s: %w", cellField(p), err)
	}
	return nil
}

// Month returns the staged patches of a YYYY-MM month ordered by employee,
// date and field.
func (s *RedisStore) Month(ctx context.Context, month string) ([]register.Patch, error) {
	values, err := s.client.HGetAll(ctx, s.key(month)).Result()
	if err != nil {
		return nil, fmt.Errorf("read staged %s: %w", month, err)
	}
	out := make([]register.Patch, 0, len(values))
	for f, v := range values {
		parts := strings.SplitN(f, "|", 3)
		if len(parts) != 3 {
			continue
		}
		out = append(out, register.Patch{
			EmployeeID: parts[0],
			Date:       parts[1],
			Field:      register.Field(parts[2]),
			NewValue:   v,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EmployeeID != out[j].EmployeeID {
			return out[i].EmployeeID < out[j].EmployeeID
		}
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}

// All returns every staged patch and the months they belong to.
func (s *RedisStore) All(ctx context.Context) ([]register.Patch, []string, error) {
	months, err := s.client.SMembers(ctx, s.monthsKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read staged months: %w", err)
	}
	sort.Strings(months)

	var out []register.Patch
	for _, m := range months {
		patches, err := s.Month(ctx, m)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, patches...)
	}
	return out, months, nil
}

// Clear drops the staged patches of months.
func (s *RedisStore) Clear(ctx context.Context, months []string) error {
	if len(months) == 0 {
		return nil
	}
	keys := make([]string, len(months))
	members := make([]any, len(months))
	for i, m := range months {
		keys[i] = s.key(m)
		members[i] = m
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.SRem(ctx, s.monthsKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear staged: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
