package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"herbtrace/pkg/domain"
)

// LRU is an in-process Backend with size and age bounds.
type LRU struct {
	lru *expirable.LRU[domain.BatchID, domain.BatchRecord]
}

// NewLRU returns a backend holding at most size records for at most ttl.
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{lru: expirable.NewLRU[domain.BatchID, domain.BatchRecord](size, nil, ttl)}
}

// Get implements Backend.
func (c *LRU) Get(_ context.Context, id domain.BatchID) (domain.BatchRecord, bool, error) {
	rec, ok := c.lru.Get(id)
	if !ok {
		return domain.BatchRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

// Set implements Backend.
func (c *LRU) Set(_ context.Context, rec domain.BatchRecord) error {
	c.lru.Add(rec.ID, rec.Clone())
	return nil
}

// Delete implements Backend.
func (c *LRU) Delete(_ context.Context, id domain.BatchID) error {
	c.lru.Remove(id)
	return nil
}

// Len reports the number of cached records.
func (c *LRU) Len() int { return c.lru.Len() }
