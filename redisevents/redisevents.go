// Package redisevents provides a Redis-backed mcp.EventLog, so that streamable HTTP sessions can be
// resumed through any gateway process sharing the same Redis.
package redisevents

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	mcp "github.com/TangGee/orders-mcp"
)

const (
	defaultPrefix = "orders-mcp:events:"
	defaultTTL    = time.Hour
)

// Options configures an EventLog.
type Options struct {
	// Capacity is the number of events retained per session.
	Capacity int
	// Prefix namespaces the keys of this deployment.
	Prefix string
	// TTL expires the events of a session that stopped producing them. Every append refreshes it.
	TTL time.Duration
}

// EventLog keeps every session's window in a Redis list next to a sequence counter. Event ids are
// decimal sequence numbers, the same as mcp.MemoryEventLog hands out.
type EventLog struct {
	client redis.UniversalClient
	opts   Options
}

var _ mcp.EventLog = (*EventLog)(nil)

// New returns an event log backed by client.
func New(client redis.UniversalClient, opts Options) *EventLog {
	if opts.Capacity <= 0 {
		opts.Capacity = mcp.DefaultEventLogCapacity
	}
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &EventLog{client: client, opts: opts}
}

func (l *EventLog) seqKey(sessionID string) string    { return l.opts.Prefix + sessionID + ":seq" }
func (l *EventLog) eventsKey(sessionID string) string { return l.opts.Prefix + sessionID + ":events" }

// Append implements mcp.EventLog.
func (l *EventLog) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	seq, err := l.client.Incr(ctx, l.seqKey(sessionID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to allocate event id: %w", err)
	}
	id := strconv.FormatInt(seq, 10)

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		events := l.eventsKey(sessionID)
		pipe.RPush(ctx, events, encode(id, payload))
		pipe.LTrim(ctx, events, int64(-l.opts.Capacity), -1)
		pipe.Expire(ctx, events, l.opts.TTL)
		pipe.Expire(ctx, l.seqKey(sessionID), l.opts.TTL)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to store event %s: %w", id, err)
	}
	return id, nil
}

// ReplaySince implements mcp.EventLog. The window is read once, the returned sequence does not
// touch Redis.
func (l *EventLog) ReplaySince(ctx context.Context, sessionID, lastEventID string) (iter.Seq[mcp.Event], error) {
	raw, err := l.client.LRange(ctx, l.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	window := make([]mcp.Event, 0, len(raw))
	for _, entry := range raw {
		ev, err := decode(entry)
		if err != nil {
			return nil, err
		}
		window = append(window, ev)
	}
	return slices.Values(mcp.WindowAfter(window, lastEventID)), nil
}

// Clear implements mcp.EventLog.
func (l *EventLog) Clear(ctx context.Context, sessionID string) error {
	if err := l.client.Del(ctx, l.eventsKey(sessionID), l.seqKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear events: %w", err)
	}
	return nil
}

// An entry is the event id, a space, then the payload.
func encode(id string, payload []byte) []byte {
	buf := make([]byte, 0, len(id)+1+len(payload))
	buf = append(buf, id...)
	buf = append(buf, ' ')
	return append(buf, payload...)
}

func decode(entry string) (mcp.Event, error) {
	id, payload, ok := bytes.Cut([]byte(entry), []byte{' '})
	if !ok || len(id) == 0 {
		return mcp.Event{}, fmt.Errorf("malformed event entry %q", entry)
	}
	return mcp.Event{ID: string(id), Payload: payload}, nil
}
