package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/huykn/triage-edge/types"
)

// Serializer defines the interface for serialization.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer implements Serializer using JSON.
type JSONSerializer struct{}

// Marshal serializes a value to JSON.
func (js *JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes a value from JSON.
func (js *JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// entryFormat is written into every stored entry.
const entryFormat = 1

// ErrUnknownFormat is returned when a stored entry was written in a format
// this agent does not read.
var ErrUnknownFormat = errors.New("unknown cache entry format")

type entryEnvelope struct {
	Format  int                       `json:"f"`
	Asset   *types.Asset              `json:"a,omitempty"`
	Current *types.CurrentGenerations `json:"c,omitempty"`
}

// Codec encodes cache entries and the current generation pointer for
// backends that store bytes.
type Codec struct {
	serializer Serializer
}

// NewCodec wraps serializer. A nil serializer uses JSON.
func NewCodec(serializer Serializer) *Codec {
	if serializer == nil {
		serializer = NewJSONSerializer()
	}
	return &Codec{serializer: serializer}
}

// EncodeAsset encodes a cache entry.
func (c *Codec) EncodeAsset(asset types.Asset) ([]byte, error) {
	if asset.Key == "" {
		return nil, errors.New("cache entry has no key")
	}
	return c.serializer.Marshal(entryEnvelope{Format: entryFormat, Asset: &asset})
}

// DecodeAsset decodes a cache entry written by EncodeAsset.
func (c *Codec) DecodeAsset(data []byte) (types.Asset, error) {
	env, err := c.decode(data)
	if err != nil {
		return types.Asset{}, err
	}
	if env.Asset == nil || env.Asset.Key == "" {
		return types.Asset{}, fmt.Errorf("%w: entry holds no asset", ErrUnknownFormat)
	}
	return *env.Asset, nil
}

// EncodeCurrent encodes the current generation pointer.
func (c *Codec) EncodeCurrent(current types.CurrentGenerations) ([]byte, error) {
	return c.serializer.Marshal(entryEnvelope{Format: entryFormat, Current: &current})
}

// DecodeCurrent decodes a pointer written by EncodeCurrent.
func (c *Codec) DecodeCurrent(data []byte) (types.CurrentGenerations, error) {
	env, err := c.decode(data)
	if err != nil {
		return types.CurrentGenerations{}, err
	}
	if env.Current == nil {
		return types.CurrentGenerations{}, fmt.Errorf("%w: entry holds no generation pointer", ErrUnknownFormat)
	}
	return *env.Current, nil
}

func (c *Codec) decode(data []byte) (entryEnvelope, error) {
	var env entryEnvelope
	if err := c.serializer.Unmarshal(data, &env); err != nil {
		return entryEnvelope{}, err
	}
	if env.Format != entryFormat {
		return entryEnvelope{}, fmt.Errorf("%w: %d", ErrUnknownFormat, env.Format)
	}
	return env, nil
}
