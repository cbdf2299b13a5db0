// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package rpcmux

// Bag is an ordered, first-writer-wins string-to-string map — the
// parameter bag carried by every call and return frame on the wire.
// A Bag is not safe for concurrent use; callers own it exclusively
// until it crosses a Call/Promise boundary, at which point the engine
// treats it as immutable.
type Bag struct {
	keys []string
	m    map[string]string
}

// NewBag returns an empty Bag.
func NewBag() *Bag {
	return &Bag{m: make(map[string]string)}
}

// BagFromMap builds a Bag from a plain map. Since Go maps have no
// ordering, key order in the resulting Bag is unspecified — use Set
// directly when wire order matters for debugging.
func BagFromMap(m map[string]string) *Bag {
	b := NewBag()
	for k, v := range m {
		b.Set(k, v)
	}
	return b
}

// Set stores key/value, unless key is already present — first write
// wins, per the wire protocol's duplicate-key rule. Returns the bag for
// chaining.
func (b *Bag) Set(key, value string) *Bag {
	if b.m == nil {
		b.m = make(map[string]string)
	}
	if _, exists := b.m[key]; exists {
		return b
	}
	b.keys = append(b.keys, key)
	b.m[key] = value
	return b
}

// SetOptional stores key/value only if value is non-nil; a nil value
// models an absent entry, filtered on the send side per the wire
// protocol (see TestBagSetOptionalFiltersNil).
func (b *Bag) SetOptional(key string, value *string) *Bag {
	if value == nil {
		return b
	}
	return b.Set(key, *value)
}

// Get returns the value for key and whether it was present.
func (b *Bag) Get(key string) (string, bool) {
	if b.m == nil {
		return "", false
	}
	v, ok := b.m[key]
	return v, ok
}

// Has reports whether key is present.
func (b *Bag) Has(key string) bool {
	_, ok := b.Get(key)
	return ok
}

// Len returns the number of entries.
func (b *Bag) Len() int { return len(b.keys) }

// Keys returns the keys in first-write order.
func (b *Bag) Keys() []string {
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// ToMap copies the bag into a plain map.
func (b *Bag) ToMap() map[string]string {
	out := make(map[string]string, len(b.keys))
	for _, k := range b.keys {
		out[k] = b.m[k]
	}
	return out
}

// Clone returns an independent copy.
func (b *Bag) Clone() *Bag {
	out := NewBag()
	for _, k := range b.keys {
		out.Set(k, b.m[k])
	}
	return out
}
