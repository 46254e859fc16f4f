package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Serializer turns a record into bytes.
type Serializer interface {
	Marshal(rec Record) ([]byte, error)
}

// Writer lands serialized bytes under a filename.
type Writer interface {
	Write(filename string, data []byte) error
}

type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(rec Record) ([]byte, error) {
	return json.MarshalIndent(rec, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); err == nil && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// FileStore keeps one JSON file per execution under Dir.
type FileStore struct {
	Dir        string
	Serializer Serializer
	Writer     Writer
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{
		Dir:        dir,
		Serializer: JSONSerializer{Indent: "    "},
		Writer:     FileWriter{Overwrite: true},
	}
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("save history record: empty id")
	}
	data, err := s.Serializer.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history record %s: %w", rec.ID, err)
	}
	if err := s.Writer.Write(filepath.Join(s.Dir, rec.ID+".json"), data); err != nil {
		return fmt.Errorf("write history record %s: %w", rec.ID, err)
	}
	return nil
}

func (s *FileStore) Recent(_ context.Context, limit int) ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}

	var recs []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
