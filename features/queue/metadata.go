package queue

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

const (
	MinDifficulty = 1
	MaxDifficulty = 10
)

const (
	keyConceptIDs = "concept_ids"
	keyDifficulty = "difficulty"
	keyCourseID   = "course_id"
)

// Metadata travels with a queue item and is snapshotted onto the embedding.
// Keys other than the named fields are kept in Extra and written back flat.
type Metadata struct {
	ConceptIDs []string
	Difficulty *int
	CourseID   string
	Extra      map[string]any
}

func (m Metadata) Validate() error {
	if m.Difficulty != nil && (*m.Difficulty < MinDifficulty || *m.Difficulty > MaxDifficulty) {
		return &ValidationError{Message: fmt.Sprintf("metadata.difficulty must be between %d and %d", MinDifficulty, MaxDifficulty)}
	}
	for _, id := range m.ConceptIDs {
		if id == "" {
			return &ValidationError{Message: "metadata.concept_ids must not contain empty values"}
		}
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if len(m.ConceptIDs) > 0 {
		out[keyConceptIDs] = m.ConceptIDs
	}
	if m.Difficulty != nil {
		out[keyDifficulty] = *m.Difficulty
	}
	if m.CourseID != "" {
		out[keyCourseID] = m.CourseID
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case keyConceptIDs:
			if err := json.Unmarshal(v, &m.ConceptIDs); err != nil {
				return &ValidationError{Message: "metadata.concept_ids must be a list of strings"}
			}
		case keyDifficulty:
			if string(v) == "null" {
				continue
			}
			var d int
			if err := json.Unmarshal(v, &d); err != nil {
				return &ValidationError{Message: "metadata.difficulty must be an integer"}
			}
			m.Difficulty = &d
		case keyCourseID:
			if err := json.Unmarshal(v, &m.CourseID); err != nil {
				return &ValidationError{Message: "metadata.course_id must be a string"}
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = val
		}
	}
	return nil
}

// Value stores metadata as JSONB.
func (m Metadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Metadata) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported metadata type %T", src)
	}
}
