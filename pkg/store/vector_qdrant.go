// Copyright 2026 The iTaK Authors
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

package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantVector implements Vector against an external Qdrant server over
// gRPC. Use this instead of the embedded provider when memory volume
// outgrows a single process.
type QdrantVector struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantVector connects and ensures the collection exists with
// cosine distance.
func NewQdrantVector(host string, port int, apiKey, collection string, dimension int) (*QdrantVector, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client for %s:%d: %w", host, port, err)
	}

	p := &QdrantVector{client: client, collection: collection, dimension: dimension}
	if err := p.ensureCollection(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *QdrantVector) ensureCollection(ctx context.Context) error {
	exists, err := p.client.CollectionExists(ctx, p.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: p.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(p.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	return nil
}

func (p *QdrantVector) Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error {
	qpayload := make(map[string]*qdrant.Value, len(payload))
	for key, value := range payload {
		val, err := qdrant.NewValue(value)
		if err != nil {
			return fmt.Errorf("failed to convert payload value %q: %w", key, err)
		}
		qpayload[key] = val
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: p.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: qpayload,
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

func (p *QdrantVector) Search(ctx context.Context, vector []float32, topK int, filter map[string]any) ([]VectorResult, error) {
	req := &qdrant.SearchPoints{
		CollectionName: p.collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		var conditions []*qdrant.Condition
		for key, value := range filter {
			conditions = append(conditions, qdrant.NewMatch(key, fmt.Sprint(value)))
		}
		req.Filter = &qdrant.Filter{Must: conditions}
	}

	result, err := p.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	out := make([]VectorResult, 0, len(result.Result))
	for _, point := range result.Result {
		payload := make(map[string]any, len(point.Payload))
		for k, v := range point.Payload {
			payload[k] = v.GetStringValue()
		}
		id := ""
		if uid, ok := point.Id.PointIdOptions.(*qdrant.PointId_Uuid); ok {
			id = uid.Uuid
		}
		out = append(out, VectorResult{ID: id, Score: point.Score, Payload: payload})
	}
	return out, nil
}

func (p *QdrantVector) Delete(ctx context.Context, id string) error {
	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: p.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete point %s: %w", id, err)
	}
	return nil
}

func (p *QdrantVector) Health(ctx context.Context) Health {
	if _, err := p.client.CollectionExists(ctx, p.collection); err != nil {
		return HealthUnavailable
	}
	return HealthAvailable
}

func (p *QdrantVector) Close() error {
	return p.client.Close()
}
