package weaviate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"academy/backend/features/embedding"
	"academy/backend/internal/vector"
)

// Store mirrors embeddings into Weaviate. Object ids derive from the
// (chunk, provider, model) tuple so a re-delivered write replaces the same object.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func ObjectID(chunkID, provider, model string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunkID+"|"+provider+"|"+model)).String()
}

type snapshot struct {
	CourseID   string   `json:"course_id"`
	ConceptIDs []string `json:"concept_ids"`
	Difficulty *int     `json:"difficulty"`
}

func (s *Store) Upsert(ctx context.Context, e *embedding.Embedding) error {
	props := map[string]interface{}{
		"lessonChunkId": e.LessonChunkID,
		"provider":      e.Provider,
		"model":         e.Model,
	}
	if len(e.Metadata) > 0 {
		var meta snapshot
		if err := json.Unmarshal(e.Metadata, &meta); err == nil {
			if meta.CourseID != "" {
				props["courseId"] = meta.CourseID
			}
			if len(meta.ConceptIDs) > 0 {
				props["conceptIds"] = meta.ConceptIDs
			}
			if meta.Difficulty != nil {
				props["difficulty"] = *meta.Difficulty
			}
		}
	}

	id := ObjectID(e.LessonChunkID, e.Provider, e.Model)

	exists, err := s.client.Data().Checker().
		WithClassName(vector.ClassName).
		WithID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check object: %w", err)
	}

	if exists {
		return s.client.Data().Updater().
			WithClassName(vector.ClassName).
			WithID(id).
			WithProperties(props).
			WithVector(e.Vector).
			Do(ctx)
	}

	_, err = s.client.Data().Creator().
		WithClassName(vector.ClassName).
		WithID(id).
		WithProperties(props).
		WithVector(e.Vector).
		Do(ctx)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	agg, ok := res.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := agg[vector.ClassName].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// Schema operations, satisfying vector.SchemaClient.

func (s *Store) ClassExists(ctx context.Context, className string) (bool, error) {
	return s.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
}

func (s *Store) CreateClass(ctx context.Context, class *models.Class) error {
	return s.client.Schema().ClassCreator().WithClass(class).Do(ctx)
}

func (s *Store) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return s.client.Schema().ClassGetter().WithClassName(className).Do(ctx)
}

func (s *Store) AddProperty(ctx context.Context, className string, property *models.Property) error {
	return s.client.Schema().PropertyCreator().WithClassName(className).WithProperty(property).Do(ctx)
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return vector.EnsureSchema(ctx, s)
}
