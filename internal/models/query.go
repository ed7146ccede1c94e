package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LibraryTag identifies one of the supported DP backends.
type LibraryTag string

const (
	LibrarySmartnoiseSQL   LibraryTag = "smartnoise_sql"
	LibraryOpenDP          LibraryTag = "opendp"
	LibrarySmartnoiseSynth LibraryTag = "smartnoise_synth"
	LibraryDiffPrivLib     LibraryTag = "diffprivlib"
)

// Libraries is the closed set of recognized backend tags.
var Libraries = []LibraryTag{
	LibrarySmartnoiseSQL,
	LibraryOpenDP,
	LibrarySmartnoiseSynth,
	LibraryDiffPrivLib,
}

func (t LibraryTag) Valid() bool {
	for _, lib := range Libraries {
		if t == lib {
			return true
		}
	}
	return false
}

// QueryJob is an accepted query in flight between admission and reply. The
// measured cost is frozen before the budget debit and never recomputed.
// Dummy jobs carry the generator inputs instead of a cost.
type QueryJob struct {
	JobID        uuid.UUID       `json:"job_id"`
	User         string          `json:"user_name"`
	Dataset      string          `json:"dataset_name"`
	Library      LibraryTag      `json:"library"`
	Payload      json.RawMessage `json:"payload"`
	MeasuredCost Cost            `json:"measured_cost"`
	Dummy        bool            `json:"dummy"`
	DummyRows    int             `json:"dummy_nb_rows,omitempty"`
	DummySeed    int64           `json:"dummy_seed,omitempty"`
	SubmitTS     time.Time       `json:"submit_ts"`
}

// ArchiveStatus is the terminal disposition of an accepted job.
type ArchiveStatus string

const (
	ArchiveOK           ArchiveStatus = "OK"
	ArchiveLibFail      ArchiveStatus = "LIB_FAIL"
	ArchiveInternalFail ArchiveStatus = "INTERNAL_FAIL"
	ArchiveCompensated  ArchiveStatus = "COMPENSATED"
)

// Archive is the append-only record of one accepted production query.
// Dummy queries are never archived. The payload is stored as a hash so
// embedded credentials can never leak through the archive collection.
type Archive struct {
	JobID        string        `json:"job_id" bson:"job_id" yaml:"job_id"`
	User         string        `json:"user_name" bson:"user_name" yaml:"user_name"`
	Dataset      string        `json:"dataset_name" bson:"dataset_name" yaml:"dataset_name"`
	Library      LibraryTag    `json:"dp_library" bson:"dp_library" yaml:"dp_library"`
	PayloadHash  string        `json:"client_input_hash" bson:"client_input_hash" yaml:"client_input_hash"`
	MeasuredCost Cost          `json:"measured_cost" bson:"measured_cost" yaml:"measured_cost"`
	Status       ArchiveStatus `json:"status" bson:"status" yaml:"status"`
	SubmittedAt  time.Time     `json:"submitted_at" bson:"submitted_at" yaml:"submitted_at"`
	CompletedAt  time.Time     `json:"completed_at" bson:"completed_at" yaml:"completed_at"`
}

// HashPayload returns the hex SHA-256 of a query payload for archival.
func HashPayload(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// QueryResult is the terminal response of a production or dummy query.
type QueryResult struct {
	RequestedBy string          `json:"requested_by"`
	Cost        Cost            `json:"spent_cost"`
	Result      json.RawMessage `json:"query_response"`
}
