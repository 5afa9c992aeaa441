package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var notice = Checkin{RecordID: "r1", StudentID: "s1", SchoolID: "sch-1", EventName: "Chess Club", Timestamp: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}

func roundTrip(t *testing.T, q Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	msg, err := NewCheckin(notice)
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	select {
	case got := <-msgs:
		c, err := got.Checkin()
		require.NoError(t, err)
		assert.Equal(t, notice.EventName, c.EventName)
		assert.True(t, notice.Timestamp.Equal(c.Timestamp))
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestInMemory(t *testing.T) {
	roundTrip(t, NewInMemory(4))
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	q := NewRedisQueue(client, "")
	q.wait = 100 * time.Millisecond
	roundTrip(t, q)

	// junk left by an older producer is skipped
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q2 := NewRedisQueue(client, "attendance:legacy")
	q2.wait = 100 * time.Millisecond
	require.NoError(t, client.LPush(ctx, "attendance:legacy", "checkin|r9").Err())
	msg, _ := NewCheckin(notice)
	require.NoError(t, q2.Publish(ctx, msg))
	msgs, err := q2.Consume(ctx)
	require.NoError(t, err)
	got := <-msgs
	assert.Equal(t, TypeCheckin, got.Type)
}

func TestCheckinWrongType(t *testing.T) {
	_, err := Message{Type: "other"}.Checkin()
	assert.Error(t, err)
}
