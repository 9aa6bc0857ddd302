package prefix

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/gaspardpetit/kvroute/internal/logx"
	"github.com/gaspardpetit/kvroute/internal/metrics"
	"github.com/gaspardpetit/kvroute/internal/redisx"
	"github.com/gaspardpetit/kvroute/internal/sched"
)

const (
	// BlockStoredTag tags events announcing newly cached blocks.
	BlockStoredTag = "BlockStored"
	// BlockRemovedTag tags events announcing evicted blocks.
	BlockRemovedTag = "BlockRemoved"
	// AllBlocksClearedTag tags events announcing a full cache reset.
	AllBlocksClearedTag = "AllBlocksCleared"

	// ChannelPrefix namespaces the pub/sub channels cache events arrive on.
	// Workers publish on ChannelPrefix + their endpoint subject, so the
	// worker id comes from the channel name the same way it comes from the
	// subject.
	ChannelPrefix = "kv-events."
)

// Event is one cache event as published by a worker. Events travel as
// msgpack tagged unions: an array whose first element is the tag string.
type Event interface {
	Tag() string
	taggedUnion() []any
}

// EventBatch groups the events of one publish. It is encoded as an array.
type EventBatch struct {
	_                struct{} `msgpack:",array"`
	TS               float64
	Events           []msgpack.RawMessage
	DataParallelRank *int `msgpack:",omitempty"`
}

// BlockStored announces blocks a worker cached. BlockHashes carries the
// chained hashes directly; emitters that only know token ids send TokenIDs
// plus the parent hash and let the index derive the chain.
type BlockStored struct {
	BlockHashes     []string
	ParentBlockHash *string
	TokenIDs        []uint32
	BlockSize       int
}

// Tag implements Event.
func (BlockStored) Tag() string { return BlockStoredTag }

func (ev BlockStored) taggedUnion() []any {
	return []any{BlockStoredTag, ev.BlockHashes, ev.ParentBlockHash, ev.TokenIDs, ev.BlockSize}
}

// BlockRemoved announces blocks a worker evicted.
type BlockRemoved struct {
	BlockHashes []string
}

// Tag implements Event.
func (BlockRemoved) Tag() string { return BlockRemovedTag }

func (ev BlockRemoved) taggedUnion() []any {
	return []any{BlockRemovedTag, ev.BlockHashes}
}

// AllBlocksCleared announces that a worker dropped its whole cache.
type AllBlocksCleared struct{}

// Tag implements Event.
func (AllBlocksCleared) Tag() string { return AllBlocksClearedTag }

func (AllBlocksCleared) taggedUnion() []any {
	return []any{AllBlocksClearedTag}
}

// EncodeBatch marshals events into one wire batch stamped with ts.
func EncodeBatch(ts float64, events ...Event) ([]byte, error) {
	batch := EventBatch{TS: ts, Events: make([]msgpack.RawMessage, 0, len(events))}
	for _, ev := range events {
		raw, err := msgpack.Marshal(ev.taggedUnion())
		if err != nil {
			return nil, fmt.Errorf("prefix: encode %s: %w", ev.Tag(), err)
		}
		batch.Events = append(batch.Events, raw)
	}
	return msgpack.Marshal(batch)
}

// DecodeBatch unmarshals one wire batch into events. Events with an unknown
// tag are skipped so emitters can grow the vocabulary without breaking old
// routers.
func DecodeBatch(payload []byte) (EventBatch, []Event, error) {
	var batch EventBatch
	if err := msgpack.Unmarshal(payload, &batch); err != nil {
		return EventBatch{}, nil, fmt.Errorf("prefix: decode batch: %w", err)
	}
	events := make([]Event, 0, len(batch.Events))
	for _, raw := range batch.Events {
		ev, err := decodeEvent(raw)
		if err != nil {
			return EventBatch{}, nil, err
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return batch, events, nil
}

func decodeEvent(raw msgpack.RawMessage) (Event, error) {
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("prefix: decode event: %w", err)
	}
	if len(parts) == 0 {
		return nil, errors.New("prefix: empty event union")
	}
	var tag string
	if err := msgpack.Unmarshal(parts[0], &tag); err != nil {
		return nil, fmt.Errorf("prefix: decode event tag: %w", err)
	}
	fields := parts[1:]
	switch tag {
	case BlockStoredTag:
		var ev BlockStored
		if err := decodeFields(fields, &ev.BlockHashes, &ev.ParentBlockHash, &ev.TokenIDs, &ev.BlockSize); err != nil {
			return nil, fmt.Errorf("prefix: decode %s: %w", tag, err)
		}
		return ev, nil
	case BlockRemovedTag:
		var ev BlockRemoved
		if err := decodeFields(fields, &ev.BlockHashes); err != nil {
			return nil, fmt.Errorf("prefix: decode %s: %w", tag, err)
		}
		return ev, nil
	case AllBlocksClearedTag:
		return AllBlocksCleared{}, nil
	default:
		logx.Log.Debug().Str("tag", tag).Msg("skipping unknown cache event")
		return nil, nil
	}
}

// decodeFields fills dsts positionally, tolerating unions shorter than the
// current struct so older emitters keep working.
func decodeFields(fields []msgpack.RawMessage, dsts ...any) error {
	for i, dst := range dsts {
		if i >= len(fields) {
			return nil
		}
		if err := msgpack.Unmarshal(fields[i], dst); err != nil {
			return err
		}
	}
	return nil
}

// Subscriber feeds worker cache events from Redis pub/sub into an Index.
type Subscriber struct {
	client redis.UniversalClient
	index  *Index
}

// NewSubscriber connects to addr and returns a subscriber bound to index.
func NewSubscriber(ctx context.Context, addr string, index *Index) (*Subscriber, error) {
	client, err := redisx.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &Subscriber{client: client, index: index}, nil
}

// Run consumes cache events until ctx is cancelled. Undecodable payloads
// and unattributable channels are logged and skipped; they never stop the
// subscription.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()
	ch := sub.Channel()
	logx.Log.Info().Str("pattern", ChannelPrefix+"*").Msg("subscribed to worker cache events")
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			s.handle(msg.Channel, []byte(msg.Payload))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscriber) handle(channel string, payload []byte) {
	subject := strings.TrimPrefix(channel, ChannelPrefix)
	ep := sched.Endpoint{Subject: subject}
	id, err := ep.WorkerID()
	if err != nil {
		logx.Log.Warn().Str("channel", channel).Err(err).Msg("cache event on unattributable channel")
		return
	}
	_, events, err := DecodeBatch(payload)
	if err != nil {
		logx.Log.Warn().Str("channel", channel).Err(err).Msg("dropping undecodable cache event batch")
		return
	}
	for _, ev := range events {
		switch ev := ev.(type) {
		case BlockStored:
			s.index.ApplyStored(id, ev)
		case BlockRemoved:
			s.index.ApplyRemoved(id, ev)
		case AllBlocksCleared:
			s.index.Clear(id)
		}
		metrics.RecordKVEvent(ev.Tag())
	}
}

// Close releases the Redis connection.
func (s *Subscriber) Close() error {
	return s.client.Close()
}
