package version

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

type Type string

const (
	TypeAutomatic Type = "automatic"
	TypeManual    Type = "manual"
	TypeScheduled Type = "scheduled"
	TypeRollback  Type = "rollback"
	TypeMerge     Type = "merge"
)

var Types = []Type{TypeAutomatic, TypeManual, TypeScheduled, TypeRollback, TypeMerge}

// metadata keys
const (
	MetaRollbackFrom        = "rollback_from"
	MetaRollbackTo          = "rollback_to"
	MetaRollbackFromVersion = "rollback_from_version"
	MetaRollbackToVersion   = "rollback_to_version"
)

// DataVersion is a checksummed snapshot of the data of a parent entity.
// Exactly one DataVersion per parent is current.
type DataVersion struct {
	ID           string                 `json:"id"`
	ParentID     string                 `json:"parent_id"`
	Version      int                    `json:"version"`
	Snapshot     []byte                 `json:"-"` // JSON, gzipped when IsCompressed
	IsCompressed bool                   `json:"is_compressed"`
	SizeBytes    int                    `json:"size_bytes"` // uncompressed
	Checksum     string                 `json:"checksum"`
	IsCurrent    bool                   `json:"is_current"`
	Type         Type                   `json:"type"`
	PreviousID   string                 `json:"previous_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedBy    string                 `json:"created_by"`
	CreatedAt    time.Time              `json:"created_at"`
}

func (v DataVersion) Subject() core.Subject {
	return core.NewSubject(core.SubjectDataVersion, v.ID)
}

// Raw returns the uncompressed JSON snapshot.
func (v DataVersion) Raw() ([]byte, error) {
	if !v.IsCompressed {
		return v.Snapshot, nil
	}
	return decompress(v.Snapshot)
}

// Data returns the decoded snapshot.
func (v DataVersion) Data() (map[string]interface{}, error) {
	raw, err := v.Raw()
	if err != nil {
		return nil, err
	}
	data := make(map[string]interface{})
	if len(raw) == 0 {
		return data, nil
	}
	if err = json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}
	return data, nil
}

type checksumFields struct {
	ParentID   string                 `json:"parent_id"`
	Version    int                    `json:"version"`
	Snapshot   string                 `json:"snapshot"`
	SizeBytes  int                    `json:"size_bytes"`
	Type       Type                   `json:"type"`
	PreviousID string                 `json:"previous_id"`
	Metadata   map[string]interface{} `json:"metadata"`
	CreatedBy  string                 `json:"created_by"`
	CreatedAt  string                 `json:"created_at"`
}

// ComputeChecksum hashes the uncompressed snapshot along with the version metadata.
// Compression and the current flag are not covered.
func (v DataVersion) ComputeChecksum() (string, error) {
	raw, err := v.Raw()
	if err != nil {
		return "", err
	}
	meta := v.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	return core.Checksum(checksumFields{
		ParentID:   v.ParentID,
		Version:    v.Version,
		Snapshot:   string(raw),
		SizeBytes:  v.SizeBytes,
		Type:       v.Type,
		PreviousID: v.PreviousID,
		Metadata:   meta,
		CreatedBy:  v.CreatedBy,
		CreatedAt:  v.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (v DataVersion) VerifyChecksum() bool {
	sum, err := v.ComputeChecksum()
	return err == nil && sum == v.Checksum
}

// Options tune the creation of a DataVersion.
type Options struct {
	Type     Type
	Compress bool // force compression; large snapshots are always compressed
	Metadata map[string]interface{}
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, errors.Wrap(err, "compressing snapshot")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "compressing snapshot")
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decompressing snapshot")
	}
	defer zr.Close()
	raw, err := ioutil.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing snapshot")
	}
	return raw, nil
}
