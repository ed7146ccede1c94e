package models

import "fmt"

// AccessKind describes how the raw rows of a private dataset are reached.
type AccessKind string

const (
	AccessPath     AccessKind = "PATH_DB"
	AccessS3       AccessKind = "S3_DB"
	AccessInMemory AccessKind = "IN_MEMORY_DB"
)

// Dataset is the catalog entry for one private dataset. The core only ever
// reads these; they are created and mutated through the admin surface.
type Dataset struct {
	DatasetName string     `json:"dataset_name" bson:"dataset_name" yaml:"dataset_name"`
	AccessKind  AccessKind `json:"database_type" bson:"database_type" yaml:"database_type"`

	// PATH_DB
	Path string `json:"dataset_path,omitempty" bson:"dataset_path,omitempty" yaml:"dataset_path,omitempty"`

	// S3_DB
	Bucket          string `json:"bucket,omitempty" bson:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key             string `json:"key,omitempty" bson:"key,omitempty" yaml:"key,omitempty"`
	Endpoint        string `json:"endpoint_url,omitempty" bson:"endpoint_url,omitempty" yaml:"endpoint_url,omitempty"`
	Region          string `json:"region,omitempty" bson:"region,omitempty" yaml:"region,omitempty"`
	CredentialsName string `json:"credentials_name,omitempty" bson:"credentials_name,omitempty" yaml:"credentials_name,omitempty"`
}

// Validate checks that the access parameters match the access kind.
func (d *Dataset) Validate() error {
	switch d.AccessKind {
	case AccessPath:
		if d.Path == "" {
			return fmt.Errorf("dataset %s: PATH_DB requires dataset_path", d.DatasetName)
		}
	case AccessS3:
		if d.Bucket == "" || d.Key == "" {
			return fmt.Errorf("dataset %s: S3_DB requires bucket and key", d.DatasetName)
		}
	case AccessInMemory:
	default:
		return fmt.Errorf("dataset %s: unknown database_type %q", d.DatasetName, d.AccessKind)
	}
	return nil
}

// Column types recognized in dataset metadata.
const (
	ColumnInt      = "int"
	ColumnFloat    = "float"
	ColumnString   = "string"
	ColumnBoolean  = "boolean"
	ColumnDatetime = "datetime"
)

// ColumnSpec is the per-column schema carried in dataset metadata. Numeric
// columns carry bounds, categorical columns carry their category set.
type ColumnSpec struct {
	Name        string   `json:"name" bson:"name" yaml:"name"`
	Type        string   `json:"type" bson:"type" yaml:"type"`
	Lower       *float64 `json:"lower,omitempty" bson:"lower,omitempty" yaml:"lower,omitempty"`
	Upper       *float64 `json:"upper,omitempty" bson:"upper,omitempty" yaml:"upper,omitempty"`
	Cardinality int      `json:"cardinality,omitempty" bson:"cardinality,omitempty" yaml:"cardinality,omitempty"`
	Categories  []string `json:"categories,omitempty" bson:"categories,omitempty" yaml:"categories,omitempty"`
	Nullable    bool     `json:"nullable,omitempty" bson:"nullable,omitempty" yaml:"nullable,omitempty"`

	// Datetime range, RFC 3339 dates. Only meaningful for ColumnDatetime.
	LowerDate string `json:"lower_date,omitempty" bson:"lower_date,omitempty" yaml:"lower_date,omitempty"`
	UpperDate string `json:"upper_date,omitempty" bson:"upper_date,omitempty" yaml:"upper_date,omitempty"`
}

// Metadata describes the schema of a private dataset. Columns is ordered:
// dummy frames and tabular views carry columns in exactly this order.
type Metadata struct {
	DatasetName string       `json:"dataset_name" bson:"dataset_name" yaml:"dataset_name"`
	MaxIDs      int          `json:"max_ids" bson:"max_ids" yaml:"max_ids"`
	Rows        int          `json:"rows" bson:"rows" yaml:"rows"`
	Columns     []ColumnSpec `json:"columns" bson:"columns" yaml:"columns"`
}

// Column returns the spec for name, or nil when the column does not exist.
func (m *Metadata) Column(name string) *ColumnSpec {
	for i := range m.Columns {
		if m.Columns[i].Name == name {
			return &m.Columns[i]
		}
	}
	return nil
}

// Validate enforces the structural invariants of the metadata document.
func (m *Metadata) Validate() error {
	if m.MaxIDs < 1 {
		return fmt.Errorf("metadata %s: max_ids must be >= 1", m.DatasetName)
	}
	if m.Rows < 0 {
		return fmt.Errorf("metadata %s: rows must be >= 0", m.DatasetName)
	}
	for _, col := range m.Columns {
		switch col.Type {
		case ColumnInt, ColumnFloat:
			if col.Lower != nil && col.Upper != nil && *col.Lower > *col.Upper {
				return fmt.Errorf("metadata %s: column %s has lower > upper", m.DatasetName, col.Name)
			}
		case ColumnString, ColumnBoolean, ColumnDatetime:
		default:
			return fmt.Errorf("metadata %s: column %s has unknown type %q", m.DatasetName, col.Name, col.Type)
		}
	}
	return nil
}
