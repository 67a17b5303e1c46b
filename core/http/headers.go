package http

import (
	"net/textproto"
	"strconv"
	"strings"
)

// Headers is an ordered set of header fields keyed by canonical name.
// Repeated fields are folded into one comma-separated value.
type Headers struct {
	keys   []string
	values map[string]string
}

// NewHeaders returns an empty header set.
func NewHeaders() Headers {
	return Headers{values: make(map[string]string)}
}

// CanonicalKey returns the canonical form of a header name.
func CanonicalKey(key string) string {
	return textproto.CanonicalMIMEHeaderKey(key)
}

// Get returns the value of key and whether it is present.
func (h *Headers) Get(key string) (string, bool) {
	v, ok := h.values[CanonicalKey(key)]
	return v, ok
}

// Value returns the value of key or "".
func (h *Headers) Value(key string) string {
	v, _ := h.Get(key)
	return v
}

// Has reports whether key is present.
func (h *Headers) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Int returns the value of key parsed as a non-negative decimal.
func (h *Headers) Int(key string) (int64, bool) {
	v, ok := h.Get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Set replaces the value of key.
func (h *Headers) Set(key, value string) {
	if h.values == nil {
		h.values = make(map[string]string)
	}
	key = CanonicalKey(key)
	if _, ok := h.values[key]; !ok {
		h.keys = append(h.keys, key)
	}
	h.values[key] = value
}

// Add appends value to key, joining repeated fields with ", ".
func (h *Headers) Add(key, value string) {
	if prev, ok := h.Get(key); ok {
		h.Set(key, prev+", "+value)
		return
	}
	h.Set(key, value)
}

// Del removes key.
func (h *Headers) Del(key string) {
	key = CanonicalKey(key)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.keys {
		if k == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of distinct fields.
func (h *Headers) Len() int { return len(h.keys) }

// Keys returns the field names in insertion order.
func (h *Headers) Keys() []string {
	return append([]string(nil), h.keys...)
}

// Each calls fn for every field in insertion order.
func (h *Headers) Each(fn func(key, value string)) {
	for _, k := range h.keys {
		fn(k, h.values[k])
	}
}

// Clone returns an independent copy.
func (h *Headers) Clone() Headers {
	c := Headers{
		keys:   append([]string(nil), h.keys...),
		values: make(map[string]string, len(h.values)),
	}
	for k, v := range h.values {
		c.values[k] = v
	}
	return c
}

// Map returns the fields as a plain map.
func (h *Headers) Map() map[string]string {
	m := make(map[string]string, len(h.values))
	for k, v := range h.values {
		m[k] = v
	}
	return m
}

// appendTo serializes every field as "Key: Value\r\n".
func (h *Headers) appendTo(b []byte) []byte {
	for _, k := range h.keys {
		b = append(b, k...)
		b = append(b, ": "...)
		b = append(b, h.values[k]...)
		b = append(b, "\r\n"...)
	}
	return b
}

// HasToken reports whether the comma-separated value of key contains token,
// compared case-insensitively.
func (h *Headers) HasToken(key, token string) bool {
	v, ok := h.Get(key)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
