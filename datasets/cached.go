package datasets

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// Cached keeps recently encoded samples of an Encoder in an LRU cache so that
// repeated epochs skip segmentation and label lookup. Samples must not be
// modified by callers since cached slices are shared.
type Cached struct {
	enc   Encoder
	cache *lru.Cache
}

// NewCached wraps enc with a cache of at most size samples.
func NewCached(enc Encoder, size int) (*Cached, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create sample cache")
	}
	return &Cached{enc: enc, cache: cache}, nil
}

func (c *Cached) Len() int { return c.enc.Len() }

// Sample returns the cached encoding of row i, encoding it on a miss.
// Failed encodings are not cached.
func (c *Cached) Sample(i int) (Sample, error) {
	if v, ok := c.cache.Get(i); ok {
		return v.(Sample), nil
	}
	s, err := c.enc.Sample(i)
	if err != nil {
		return Sample{}, err
	}
	c.cache.Add(i, s)
	return s, nil
}

// Unwrap returns the wrapped Encoder.
func (c *Cached) Unwrap() Encoder { return c.enc }
