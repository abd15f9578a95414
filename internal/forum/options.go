package forum

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Options is the flat bag of named submission flags stored with a pending
// record (subscribe, pin, private, attachment draft ids, ...). Values are
// restricted to what survives the flat wire encoding: booleans, numbers and
// strings.
type Options map[string]any

// Encode serializes the options to their stored JSON form. A nil map encodes
// as an empty object so the stored column is never NULL.
func (o Options) Encode() (string, error) {
	if o == nil {
		return "{}", nil
	}
	data, err := json.Marshal(o)
	if err != nil {
		return "", fmt.Errorf("failed to encode options: %w", err)
	}
	return string(data), nil
}

// DecodeOptions parses the stored JSON form back into an Options map.
// Numbers are decoded as json.Number so integer flags round-trip without
// float drift.
func DecodeOptions(s string) (Options, error) {
	if s == "" {
		return Options{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var o Options
	if err := dec.Decode(&o); err != nil {
		return nil, fmt.Errorf("failed to decode options: %w", err)
	}
	if o == nil {
		o = Options{}
	}
	return o, nil
}

// Clone returns a shallow copy, safe to mutate per destination during
// fan-out without touching the stored record.
func (o Options) Clone() Options {
	c := make(Options, len(o)+1)
	for k, v := range o {
		c[k] = v
	}
	return c
}
