// Package tally keeps per-school, per-event daily check-in counts in Redis.
package tally

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"schoolattend/internal/queue"
)

const (
	keyPrefix = "attendance:tally:"
	ttl       = 48 * time.Hour
)

// decrScript lowers an existing count, never below zero. A missing key stays
// missing so readers fall back to the database.
var decrScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
local n = redis.call("DECR", KEYS[1])
if n < 0 then
	redis.call("SET", KEYS[1], 0, "KEEPTTL")
	n = 0
end
return n
`)

type Store struct {
	rdb *redis.Client
	loc *time.Location
}

// New returns a tally store that buckets days in loc (nil means time.Local).
func New(rdb *redis.Client, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{rdb: rdb, loc: loc}
}

// Event names are unique per school only, so the school is part of the key.
func (s *Store) key(schoolID, eventName string, day time.Time) string {
	return keyPrefix + day.In(s.loc).Format("2006-01-02") + ":" + schoolID + ":" + eventName
}

// Incr counts one check-in and returns the new total for that day.
func (s *Store) Incr(ctx context.Context, schoolID, eventName string, at time.Time) (int64, error) {
	key := s.key(schoolID, eventName, at)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Decr removes one check-in from the day it was scanned. ok is false when
// the day was never tallied.
func (s *Store) Decr(ctx context.Context, schoolID, eventName string, at time.Time) (n int64, ok bool, err error) {
	n, err = decrScript.Run(ctx, s.rdb, []string{s.key(schoolID, eventName, at)}).Int64()
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, nil
	}
	return n, true, nil
}

// Count returns the day's total. ok is false when nothing was tallied.
func (s *Store) Count(ctx context.Context, schoolID, eventName string, day time.Time) (n int64, ok bool, err error) {
	v, err := s.rdb.Get(ctx, s.key(schoolID, eventName, day)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err = strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Reset drops the day's count, used when an event's attendance is deleted.
func (s *Store) Reset(ctx context.Context, schoolID, eventName string, day time.Time) error {
	return s.rdb.Del(ctx, s.key(schoolID, eventName, day)).Err()
}

// Run tallies check-in notices until msgs is closed or ctx is done.
func (s *Store) Run(ctx context.Context, msgs <-chan queue.Message, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Type != queue.TypeCheckin {
				continue
			}
			notice, err := msg.Checkin()
			if err != nil {
				log.Warn("bad checkin message", zap.Error(err))
				continue
			}
			n, err := s.Incr(ctx, notice.SchoolID, notice.EventName, notice.Timestamp)
			if err != nil {
				log.Error("tally failed", zap.String("event", notice.EventName), zap.Error(err))
				continue
			}
			log.Debug("tallied", zap.String("school", notice.SchoolID), zap.String("event", notice.EventName), zap.Int64("today", n))
		}
	}
}
