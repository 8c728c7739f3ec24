package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Style is a parametrized 3D template. CustomizationSchema is a JSON Schema
// (draft-07) that every job's parameters must satisfy.
type Style struct {
	ID                  uuid.UUID       `db:"id"                   json:"id"`
	Name                string          `db:"name"                 json:"name"`
	TemplateBlobPath    string          `db:"template_blob_path"   json:"template_blob_path"`
	CustomizationSchema json.RawMessage `db:"customization_schema" json:"customization_schema"`
	CreatedAt           time.Time       `db:"created_at"           json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"           json:"updated_at"`
}
