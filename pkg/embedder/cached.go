// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package embedder

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"github.com/lorekeep/lorekeep/pkg/cache"
	"github.com/lorekeep/lorekeep/pkg/docstore"
)

// Cached wraps a Provider with a cache namespace. Query embeddings repeat
// often; document embeddings do not pass through here (the worker embeds
// each chunk once).
type Cached struct {
	inner Provider
	ns    *cache.Namespace
}

// NewCached wraps provider with the given namespace.
func NewCached(inner Provider, ns *cache.Namespace) *Cached {
	return &Cached{inner: inner, ns: ns}
}

func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.inner.Model() + ":" + docstore.HashText(text)

	if data, err := c.ns.Get(ctx, key); err == nil {
		if vec, derr := decodeVector(data); derr == nil {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	_ = c.ns.Set(ctx, key, encodeVector(vec))
	return vec, nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedBatch(ctx, texts)
}

func (c *Cached) Model() string  { return c.inner.Model() }
func (c *Cached) Dimension() int { return c.inner.Dimension() }

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errors.New("malformed cached vector")
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// Ensure Cached implements Provider.
var _ Provider = (*Cached)(nil)
