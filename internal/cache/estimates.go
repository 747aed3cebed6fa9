// Package cache holds short-lived dispatch estimates so repeated ETA
// requests do not recompute them from the store.
package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	fc "github.com/coocood/freecache"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Estimates is a TTL cache of gob-encoded estimate values.
type Estimates struct {
	cache *fc.Cache
	ttl   int // seconds
}

// NewEstimates creates a cache of sizeBytes whose entries live for ttl,
// rounded up to whole seconds.
func NewEstimates(sizeBytes int, ttl time.Duration) *Estimates {
	seconds := int((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return &Estimates{
		cache: fc.NewCache(sizeBytes),
		ttl:   seconds,
	}
}

// Put stores value under key for the default TTL.
func (c *Estimates) Put(key string, value any) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("value cannot be nil")
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	return c.cache.Set([]byte(key), data, c.ttl)
}

// Get decodes the value under key into out.
func (c *Estimates) Get(key string, out any) error {
	data, err := c.cache.Get([]byte(key))
	if errors.Is(err, fc.ErrNotFound) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return decode(data, out)
}

// Invalidate drops key.
func (c *Estimates) Invalidate(key string) {
	c.cache.Del([]byte(key))
}

// Clear drops every entry.
func (c *Estimates) Clear() {
	c.cache.Clear()
}

// TTL returns the entry lifetime.
func (c *Estimates) TTL() time.Duration {
	return time.Duration(c.ttl) * time.Second
}

func encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, out any) error {
	return gob.NewDecoder(bytes.NewBuffer(data)).Decode(out)
}
