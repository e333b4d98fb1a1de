// Package cache holds read-through caches for single-ticket lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/ticket-lifecycle/internal/domain"
)

// TicketCache caches ticket snapshots. It is never consulted by the
// read-validate-write path of a mutation.
type TicketCache interface {
	Get(ctx context.Context, id string) (*domain.Ticket, bool, error)
	// Set stores ticket unless the cache already holds the same or a newer
	// version, so a slow reader can never overwrite a committed write.
	Set(ctx context.Context, ticket *domain.Ticket) error
	Invalidate(ctx context.Context, id string) error
}

// maxSetAttempts bounds the optimistic WATCH loop in Set.
const maxSetAttempts = 3

type redisTicketCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisTicketCache builds a cache storing JSON snapshots under "ticket:<id>".
func NewRedisTicketCache(client *redis.Client, ttl time.Duration) TicketCache {
	return &redisTicketCache{client: client, ttl: ttl, prefix: "ticket:"}
}

func (c *redisTicketCache) Get(ctx context.Context, id string) (*domain.Ticket, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	ticket, err := Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return ticket, true, nil
}

func (c *redisTicketCache) Set(ctx context.Context, ticket *domain.Ticket) error {
	raw, err := Encode(ticket)
	if err != nil {
		return err
	}
	key := c.prefix + ticket.ID
	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if !Replaces(current, ticket.Version) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, c.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxSetAttempts; attempt++ {
		err = c.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (c *redisTicketCache) Invalidate(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.prefix+id).Err()
}

type snapshot struct {
	ID          string                 `json:"id"`
	Type        domain.TicketType      `json:"type"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Status      domain.TicketStatus    `json:"status"`
	Priority    domain.TicketPriority  `json:"priority"`
	AssignedTo  *string                `json:"assigned_to,omitempty"`
	CreatedBy   string                 `json:"created_by"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	Version     int64                  `json:"version"`
	Testing     *domain.TestingDetails `json:"testing,omitempty"`
	Support     *domain.SupportDetails `json:"support,omitempty"`
}

// Encode serializes a ticket including its typed details.
func Encode(ticket *domain.Ticket) ([]byte, error) {
	s := snapshot{
		ID:          ticket.ID,
		Type:        ticket.Type,
		Title:       ticket.Title,
		Description: ticket.Description,
		Status:      ticket.Status,
		Priority:    ticket.Priority,
		AssignedTo:  ticket.AssignedTo,
		CreatedBy:   ticket.CreatedBy,
		CreatedAt:   ticket.CreatedAt,
		UpdatedAt:   ticket.UpdatedAt,
		Version:     ticket.Version,
	}
	switch d := ticket.Details.(type) {
	case *domain.TestingDetails:
		s.Testing = d
	case *domain.SupportDetails:
		s.Support = d
	}
	return json.Marshal(s)
}

// Replaces reports whether a snapshot at version should overwrite the
// cached bytes. Empty or unreadable entries are always replaced.
func Replaces(cached []byte, version int64) bool {
	if len(cached) == 0 {
		return true
	}
	var head struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(cached, &head); err != nil {
		return true
	}
	return version > head.Version
}

// Decode is the inverse of Encode.
func Decode(raw []byte) (*domain.Ticket, error) {
	var s snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	ticket := &domain.Ticket{
		ID:          s.ID,
		Type:        s.Type,
		Title:       s.Title,
		Description: s.Description,
		Status:      s.Status,
		Priority:    s.Priority,
		AssignedTo:  s.AssignedTo,
		CreatedBy:   s.CreatedBy,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Version:     s.Version,
	}
	switch {
	case s.Testing != nil:
		ticket.Details = s.Testing
	case s.Support != nil:
		ticket.Details = s.Support
	}
	return ticket, nil
}
