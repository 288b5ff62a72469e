package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keeps each kind in a hash and publishes the changed id on a channel
// per kind, so every process sharing the server sees every change.
type Redis struct {
	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
	notify notifier
	log    zerolog.Logger
	prefix string
	wg     sync.WaitGroup
}

// NewRedis subscribes to the change channels and returns the store. prefix
// namespaces keys and channels, e.g. "geoannotate".
func NewRedis(ctx context.Context, client *redis.Client, prefix string, log zerolog.Logger) (*Redis, error) {
	if prefix == "" {
		prefix = "geoannotate"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	r := &Redis{
		client: client,
		prefix: prefix,
		log:    log.With().Str("component", "store").Str("backend", "redis").Logger(),
	}

	channels := make([]string, 0, len(Kinds))
	for _, k := range Kinds {
		channels = append(channels, r.channel(k))
	}
	r.pubsub = client.Subscribe(ctx, channels...)
	// wait for the subscription so changes published right after are seen
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.listen(runCtx)

	return r, nil
}

func (r *Redis) key(kind Kind) string     { return r.prefix + ":" + string(kind) }
func (r *Redis) channel(kind Kind) string { return r.prefix + ":changes:" + string(kind) }

func (r *Redis) listen(ctx context.Context) {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			kind := Kind(strings.TrimPrefix(msg.Channel, r.prefix+":changes:"))
			if !kind.Valid() {
				continue
			}
			r.log.Debug().Str("kind", string(kind)).Str("id", msg.Payload).Msg("Change notification")
			r.notify.notify(kind)
		}
	}
}

func (r *Redis) LoadAll(ctx context.Context, kind Kind) ([]Record, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}
	entries, err := r.client.HGetAll(ctx, r.key(kind)).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}

	recs := make([]Record, 0, len(entries))
	for id, data := range entries {
		recs = append(recs, Record{ID: id, Data: json.RawMessage(data)})
	}
	sortRecords(recs)
	return recs, nil
}

func (r *Redis) Save(ctx context.Context, kind Kind, rec Record) error {
	if err := checkRecord(kind, rec); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.key(kind), rec.ID, string(rec.Data))
		pipe.Publish(ctx, r.channel(kind), rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", kind, rec.ID, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, kind Kind, id string) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	removed, err := r.client.HDel(ctx, r.key(kind), id).Result()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, id, err)
	}
	if removed == 0 {
		return nil
	}
	if err := r.client.Publish(ctx, r.channel(kind), id).Err(); err != nil {
		return fmt.Errorf("publish delete %s/%s: %w", kind, id, err)
	}
	return nil
}

func (r *Redis) Subscribe(kind Kind, onChange func()) func() {
	return r.notify.subscribe(kind, onChange)
}

// Close stops the listener and closes the client.
func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	if cerr := r.client.Close(); err == nil {
		err = cerr
	}
	return err
}
