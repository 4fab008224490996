package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as JSON under <prefix>id:<id> with an owner
// index at <prefix>owner:<owner>. Temporary records carry a native key TTL,
// so Redis does the expiry.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
}

type redisRecord struct {
	ID            string    `json:"id"`
	InviteCode    string    `json:"inviteCode"`
	OwnerIdentity string    `json:"ownerIdentity"`
	Permanent     bool      `json:"permanent"`
	Privacy       Privacy   `json:"privacy"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// OpenRedis connects to addr and returns a store under prefix. A nil clock
// means the wall clock.
func OpenRedis(ctx context.Context, addr, password string, db int, prefix string, clk clock.Clock) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, storeErr("connect", err)
	}
	return NewRedisStore(client, prefix, clk), nil
}

func NewRedisStore(client *redis.Client, prefix string, clk clock.Clock) *RedisStore {
	if clk == nil {
		clk = clock.New()
	}
	return &RedisStore{client: client, prefix: prefix, clock: clk}
}

// Client exposes the connection so push endpoints can share it.
func (r *RedisStore) Client() *redis.Client { return r.client }

func (r *RedisStore) idKey(id string) string       { return r.prefix + "id:" + id }
func (r *RedisStore) ownerKey(owner string) string { return r.prefix + "owner:" + owner }

func (r *RedisStore) FindByID(ctx context.Context, id string) (Record, error) {
	var (
		get *redis.StringCmd
		ttl *redis.DurationCmd
	)
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, r.idKey(id))
		ttl = p.PTTL(ctx, r.idKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, storeErr("find by id", err)
	}
	raw, err := get.Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: no record", ErrNotFound)
	}
	if err != nil {
		return Record{}, storeErr("find by id", err)
	}

	var rr redisRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return Record{}, storeErr("decode record", err)
	}
	rec := Record{
		ID:            rr.ID,
		InviteCode:    rr.InviteCode,
		OwnerIdentity: rr.OwnerIdentity,
		Permanent:     rr.Permanent,
		Privacy:       rr.Privacy,
		UpdatedAt:     rr.UpdatedAt,
	}
	if d := ttl.Val(); d > 0 {
		exp := r.clock.Now().Add(d).UTC()
		rec.ExpireAt = &exp
	}
	return rec, nil
}

func (r *RedisStore) FindByOwner(ctx context.Context, owner string) (Record, error) {
	id, err := r.client.Get(ctx, r.ownerKey(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("%w: no record", ErrNotFound)
	}
	if err != nil {
		return Record{}, storeErr("find by owner", err)
	}
	rec, err := r.FindByID(ctx, id)
	if err != nil {
		return Record{}, err
	}
	// The id may have been re-claimed by someone else after our record
	// expired while the index entry lingered.
	if rec.OwnerIdentity != owner {
		return Record{}, fmt.Errorf("%w: no record", ErrNotFound)
	}
	return rec, nil
}

func (r *RedisStore) Upsert(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(redisRecord{
		ID:            rec.ID,
		InviteCode:    rec.InviteCode,
		OwnerIdentity: rec.OwnerIdentity,
		Permanent:     rec.Permanent,
		Privacy:       rec.Privacy,
		UpdatedAt:     rec.UpdatedAt,
	})
	if err != nil {
		return storeErr("encode record", err)
	}

	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if rec.ExpireAt == nil {
			p.Set(ctx, r.idKey(rec.ID), raw, redis.KeepTTL)
			p.Set(ctx, r.ownerKey(rec.OwnerIdentity), rec.ID, redis.KeepTTL)
			return nil
		}
		p.Set(ctx, r.idKey(rec.ID), raw, 0)
		p.Set(ctx, r.ownerKey(rec.OwnerIdentity), rec.ID, 0)
		p.ExpireAt(ctx, r.idKey(rec.ID), *rec.ExpireAt)
		p.ExpireAt(ctx, r.ownerKey(rec.OwnerIdentity), *rec.ExpireAt)
		return nil
	})
	if err != nil {
		return storeErr("upsert", err)
	}
	return nil
}

func (r *RedisStore) ClearExpiry(ctx context.Context, id string) error {
	rec, err := r.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Persist(ctx, r.idKey(id))
		p.Persist(ctx, r.ownerKey(rec.OwnerIdentity))
		return nil
	})
	if err != nil {
		return storeErr("clear expiry", err)
	}
	return nil
}

func (r *RedisStore) DeleteByOwner(ctx context.Context, owner string) error {
	id, err := r.client.Get(ctx, r.ownerKey(owner)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return storeErr("delete by owner", err)
	}

	keys := []string{r.ownerKey(owner)}
	rec, err := r.FindByID(ctx, id)
	switch {
	case err == nil && rec.OwnerIdentity == owner:
		keys = append(keys, r.idKey(id))
	case err != nil && !errors.Is(err, ErrNotFound):
		return err
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr("delete by owner", err)
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
