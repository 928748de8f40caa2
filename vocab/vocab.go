// Package vocab provides the token vocabulary and the label index shared by
// every dataset and model.
//
// Both types are immutable once constructed, so they can be read from any
// number of goroutines (dataset accessors, prefetching loaders) without
// locking.
package vocab

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
)

// Reserved tokens, always assigned the first ids in this order.
const (
	UnknownToken = "<unk>"
	PaddingToken = "<pad>"
	BOSToken     = "<bos>"
	EOSToken     = "<eos>"
)

var reservedTokens = []string{UnknownToken, PaddingToken, BOSToken, EOSToken}

// Counter accumulates token frequencies over a corpus.
type Counter map[string]int

// Update adds one occurrence of every token.
func (c Counter) Update(tokens []string) {
	for _, t := range tokens {
		c[t]++
	}
}

// Vocab is a bijection between token strings and dense integer ids.
type Vocab struct {
	idxToToken []string
	tokenToIdx map[string]int
}

type options struct {
	minFreq int
	maxSize int
}

// Option configures New.
type Option func(*options)

// MinFreq drops tokens seen fewer than n times. The default is 1.
func MinFreq(n int) Option {
	return func(o *options) { o.minFreq = n }
}

// MaxSize caps the number of counted tokens kept (reserved tokens are not
// included in the cap). Zero means unlimited.
func MaxSize(n int) Option {
	return func(o *options) { o.maxSize = n }
}

type tokenFreq struct {
	token string
	freq  int
}

// New builds a vocabulary from token frequencies. Reserved tokens come first,
// then counted tokens by descending frequency with ties broken lexically, so
// the same counter always produces the same mapping.
func New(counter Counter, opts ...Option) *Vocab {
	o := options{minFreq: 1}
	for _, opt := range opts {
		opt(&o)
	}

	freqs := make([]tokenFreq, 0, len(counter))
	for token, freq := range counter {
		if freq < o.minFreq || isReserved(token) {
			continue
		}
		freqs = append(freqs, tokenFreq{token, freq})
	}
	sort.Slice(freqs, func(i, j int) bool {
		if freqs[i].freq != freqs[j].freq {
			return freqs[i].freq > freqs[j].freq
		}
		return freqs[i].token < freqs[j].token
	})
	if o.maxSize > 0 && len(freqs) > o.maxSize {
		freqs = freqs[:o.maxSize]
	}

	tokens := make([]string, 0, len(reservedTokens)+len(freqs))
	tokens = append(tokens, reservedTokens...)
	for _, tf := range freqs {
		tokens = append(tokens, tf.token)
	}
	return fromTokens(tokens)
}

func fromTokens(tokens []string) *Vocab {
	v := &Vocab{
		idxToToken: tokens,
		tokenToIdx: make(map[string]int, len(tokens)),
	}
	for i, t := range tokens {
		v.tokenToIdx[t] = i
	}
	return v
}

func isReserved(token string) bool {
	for _, r := range reservedTokens {
		if token == r {
			return true
		}
	}
	return false
}

// Len returns the number of tokens, reserved ones included.
func (v *Vocab) Len() int {
	return len(v.idxToToken)
}

// UnknownID is the id every out-of-vocabulary token maps to.
func (v *Vocab) UnknownID() int {
	return v.tokenToIdx[UnknownToken]
}

// PaddingID is the id used to pad token sequences in a batch.
func (v *Vocab) PaddingID() int {
	return v.tokenToIdx[PaddingToken]
}

// Contains reports whether token has its own id.
func (v *Vocab) Contains(token string) bool {
	_, ok := v.tokenToIdx[token]
	return ok
}

// ID returns the id of token, or UnknownID when it is not in the vocabulary.
func (v *Vocab) ID(token string) int {
	if id, ok := v.tokenToIdx[token]; ok {
		return id
	}
	return v.UnknownID()
}

// IDs maps every token through ID.
func (v *Vocab) IDs(tokens []string) []int {
	ids := make([]int, len(tokens))
	for i, t := range tokens {
		ids[i] = v.ID(t)
	}
	return ids
}

// Token returns the token with the given id.
func (v *Vocab) Token(id int) (string, error) {
	if id < 0 || id >= len(v.idxToToken) {
		return "", errors.Errorf("token id %d out of range [0, %d)", id, len(v.idxToToken))
	}
	return v.idxToToken[id], nil
}

// Tokens maps every id through Token.
func (v *Vocab) Tokens(ids []int) ([]string, error) {
	tokens := make([]string, len(ids))
	for i, id := range ids {
		t, err := v.Token(id)
		if err != nil {
			return nil, err
		}
		tokens[i] = t
	}
	return tokens, nil
}

// MarshalJSON encodes the vocabulary as its token list in id order.
func (v *Vocab) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.idxToToken)
}

// UnmarshalJSON restores a vocabulary written by MarshalJSON.
func (v *Vocab) UnmarshalJSON(data []byte) error {
	var tokens []string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return errors.Wrap(err, "decode vocabulary")
	}
	if len(tokens) < len(reservedTokens) {
		return errors.Errorf("vocabulary has %d tokens, fewer than the %d reserved ones", len(tokens), len(reservedTokens))
	}
	for i, r := range reservedTokens {
		if tokens[i] != r {
			return errors.Errorf("vocabulary token %d is %q, expected reserved token %q", i, tokens[i], r)
		}
	}
	seen := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if _, dup := seen[t]; dup {
			return errors.Errorf("duplicate vocabulary token %q", t)
		}
		seen[t] = struct{}{}
	}
	*v = *fromTokens(tokens)
	return nil
}
