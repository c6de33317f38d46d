package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"ticket-mint/models"
	"ticket-mint/utils"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each record kind in one hash:
//
//	{prefix}:events    id -> event JSON
//	{prefix}:seats     eventID:index -> seat JSON (free seats are deleted)
//	{prefix}:requests  id -> request JSON
//	{prefix}:tickets   tokenID -> ticket JSON
//	{prefix}:verified  tokenID -> first verification time
//
// A commit is one MULTI/EXEC transaction.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ticketing"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(kind string) string {
	return r.prefix + ":" + kind
}

func (r *Redis) Commit(ctx context.Context, change models.Change) error {
	type field struct {
		key, name, value string
	}
	var sets, dels, setnx []field

	for _, ev := range change.Events {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		sets = append(sets, field{r.key("events"), ev.ID, string(data)})
	}
	for _, seat := range change.Seats {
		name := seatField(seat.EventID, seat.Index)
		if seat.State == models.SeatFree {
			dels = append(dels, field{key: r.key("seats"), name: name})
			continue
		}
		data, err := json.Marshal(seat)
		if err != nil {
			return fmt.Errorf("encode seat %s: %w", name, err)
		}
		sets = append(sets, field{r.key("seats"), name, string(data)})
	}
	for _, req := range change.Requests {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request %s: %w", req.ID, err)
		}
		sets = append(sets, field{r.key("requests"), req.ID, string(data)})
	}
	for _, t := range change.Tickets {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode ticket %d: %w", t.TokenID, err)
		}
		setnx = append(setnx, field{r.key("tickets"), strconv.FormatUint(t.TokenID, 10), string(data)})
	}
	for _, v := range change.Verified {
		setnx = append(setnx, field{r.key("verified"), strconv.FormatUint(v.TokenID, 10), v.VerifiedAt.UTC().Format(time.RFC3339Nano)})
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range sets {
			pipe.HSet(ctx, f.key, f.name, f.value)
		}
		for _, f := range dels {
			pipe.HDel(ctx, f.key, f.name)
		}
		for _, f := range setnx {
			pipe.HSetNX(ctx, f.key, f.name, f.value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context) (models.Snapshot, error) {
	var snap models.Snapshot

	if err := loadHash(ctx, r.client, r.key("events"), &snap.Events); err != nil {
		return snap, err
	}
	if err := loadHash(ctx, r.client, r.key("seats"), &snap.Seats); err != nil {
		return snap, err
	}
	if err := loadHash(ctx, r.client, r.key("requests"), &snap.Requests); err != nil {
		return snap, err
	}
	if err := loadHash(ctx, r.client, r.key("tickets"), &snap.Tickets); err != nil {
		return snap, err
	}

	verified, err := r.client.HGetAll(ctx, r.key("verified")).Result()
	if err != nil {
		return snap, fmt.Errorf("load verified: %w", err)
	}
	for field, value := range verified {
		tokenID, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return snap, fmt.Errorf("load verified: bad token %q: %w", field, err)
		}
		at, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return snap, fmt.Errorf("load verified %d: %w", tokenID, err)
		}
		snap.Verified = append(snap.Verified, models.Verification{TokenID: tokenID, VerifiedAt: at})
	}
	return snap, nil
}

func loadHash[T any](ctx context.Context, client *redis.Client, key string, out *[]T) error {
	values, err := client.HGetAll(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	for field, value := range values {
		var item T
		if err := json.Unmarshal([]byte(value), &item); err != nil {
			return fmt.Errorf("decode %s[%s]: %w", key, field, err)
		}
		*out = append(*out, item)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return utils.RedisHealthCheck(ctx, r.client)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
