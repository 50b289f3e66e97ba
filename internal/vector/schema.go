package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

const ClassName = "LessonEmbedding"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func properties() []*models.Property {
	return []*models.Property{
		{Name: "lessonChunkId", DataType: []string{"string"}},
		{Name: "provider", DataType: []string{"string"}},
		{Name: "model", DataType: []string{"string"}},
		{Name: "courseId", DataType: []string{"string"}},
		{Name: "conceptIds", DataType: []string{"string[]"}},
		{Name: "difficulty", DataType: []string{"int"}},
	}
}

// EnsureSchema creates the embedding class, or adds properties missing from an
// older deployment. Vectors are always supplied by the pipeline.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	props := properties()

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "Embedding of a lesson content chunk",
			Vectorizer:  "none",
			Properties:  props,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range props {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
