package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"niraama/internal/models"
	"niraama/internal/redis"
)

const (
	cacheTTL          = 30 * time.Minute
	invalidateChannel = "conversation:invalidate"
)

// Cached layers a redis read-through cache over the store. Writes
// invalidate the cached copy and broadcast the id so other instances
// drop theirs too. A nil client makes every method pass straight
// through.
type Cached struct {
	*Store
	cache *redis.Client
}

// NewCached wraps the store with the cache client.
func NewCached(s *Store, cache *redis.Client) *Cached {
	return &Cached{Store: s, cache: cache}
}

func conversationKey(id string) string {
	return "conversation:" + id
}

// Get serves from cache when possible, falling back to the store and
// priming the cache on a miss.
func (c *Cached) Get(ctx context.Context, id string) (*models.Conversation, error) {
	if c.cache != nil && id != "" {
		raw, err := c.cache.Get(ctx, conversationKey(id))
		if err == nil {
			var conv models.Conversation
			if err := json.Unmarshal([]byte(raw), &conv); err == nil {
				return &conv, nil
			}
			log.Printf("decode cached conversation %s failed, dropping", id)
			_ = c.cache.Del(ctx, conversationKey(id))
		} else if err != redis.ErrCacheMiss {
			log.Printf("conversation cache read failed: %v", err)
		}
	}

	conv, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.prime(ctx, conv)
	return conv, nil
}

// ReplaceMessages writes through and invalidates.
func (c *Cached) ReplaceMessages(ctx context.Context, id string, msgs []models.Message) (UpdateOutcome, error) {
	outcome, err := c.Store.ReplaceMessages(ctx, id, msgs)
	if err == nil && outcome == OutcomeUpdated {
		c.invalidate(ctx, id)
	}
	return outcome, err
}

// Delete removes the row and invalidates.
func (c *Cached) Delete(ctx context.Context, id string) error {
	if err := c.Store.Delete(ctx, id); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

// Watch invokes handler with every conversation id invalidated by any
// instance, until ctx is cancelled. No-op without a cache client.
func (c *Cached) Watch(ctx context.Context, handler func(id string)) {
	if c.cache == nil || handler == nil {
		return
	}
	ch, closeFn, err := c.cache.Subscribe(ctx, invalidateChannel)
	if err != nil {
		log.Printf("subscribe invalidations failed: %v", err)
		return
	}
	go func() {
		defer closeFn()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
}

func (c *Cached) prime(ctx context.Context, conv *models.Conversation) {
	if c.cache == nil || conv == nil {
		return
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, conversationKey(conv.ID), data, cacheTTL); err != nil {
		log.Printf("prime conversation cache failed: %v", err)
	}
}

func (c *Cached) invalidate(ctx context.Context, id string) {
	if c.cache == nil || id == "" {
		return
	}
	if err := c.cache.Del(ctx, conversationKey(id)); err != nil && err != redis.ErrCacheMiss {
		log.Printf("invalidate conversation cache failed: %v", err)
	}
	if err := c.cache.Publish(ctx, invalidateChannel, []byte(id)); err != nil {
		log.Printf("publish invalidation failed: %v", err)
	}
}
