package filestore

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ValentinKolb/dSync/lib/entity"
)

// EntityName is the entity type of the file metadata
const EntityName = "file"

// Mode is the storage mode of a file
type Mode string

const (
	// ModeClosed files are stored by content hash and replaced as a whole
	ModeClosed Mode = "closed"
	// ModeStreaming files are stored by id and grow by appends
	ModeStreaming Mode = "streaming"
)

// File is the metadata of a stored file
type File struct {
	ID      string
	Version int64
	Path    string
	MD5     string
	Size    int64
	Mode    Mode
}

// Schema is the entity schema of the file metadata
var Schema = entity.Schema{
	Name: EntityName,
	Fields: map[string]entity.Field{
		"id":      {Kind: entity.KindString, Required: true},
		"version": {Kind: entity.KindNumber},
		"path":    {Kind: entity.KindString, Required: true},
		"md5":     {Kind: entity.KindString},
		"size":    {Kind: entity.KindNumber},
		"mode":    {Kind: entity.KindString, Required: true},
	},
}

// Document converts the metadata to its entity document
func (f *File) Document() entity.Document {
	d := entity.Document{
		entity.KeyID:      f.ID,
		entity.KeyVersion: f.Version,
		"path":            f.Path,
		"size":            f.Size,
		"mode":            string(f.Mode),
	}
	if f.MD5 != "" {
		d["md5"] = f.MD5
	}
	return d
}

// FileFromDocument converts an entity document to file metadata
func FileFromDocument(d entity.Document) *File {
	f := &File{
		ID:      d.ID(),
		Version: d.Version(),
	}
	f.Path, _ = d["path"].(string)
	f.MD5, _ = d["md5"].(string)
	if m, ok := d["mode"].(string); ok {
		f.Mode = Mode(m)
	}
	if size, ok := d.Get("size"); ok {
		f.Size = toInt64(size)
	}
	return f
}

// Event types published on the file channel
const (
	EventSet    = "set"
	EventAppend = "append"
	EventRemove = "remove"
)

// Event is published on the exchange channel of a file for every change
type Event struct {
	Type    string `json:"type"`
	Version int64  `json:"version,omitempty"`
	Path    string `json:"path"`
	Size    int64  `json:"size,omitempty"`
	Content []byte `json:"content,omitempty"`
}

func (e *Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEvent(data []byte) (*Event, error) {
	e := &Event{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode file event: %w", err)
	}
	return e, nil
}

// MD5 returns the hex md5 of data
func MD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// closedPath is <dir>/closed/<md5[0:2]>/<md5[2:4]>/<md5>
func closedPath(dir, sum string) string {
	return filepath.Join(dir, "closed", sum[0:2], sum[2:4], sum)
}

// streamingPath is <dir>/streaming/<id[0:2]>/<id[2:4]>/<id>
func streamingPath(dir, id string) string {
	return filepath.Join(dir, "streaming", id[0:2], id[2:4], id)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
