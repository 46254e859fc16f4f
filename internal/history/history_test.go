// test module for package history
package history_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevevillardi/lmda-composer-sub000/internal/history"
)

type MockWriter struct {
	Data map[string][]byte
	Err  error
}

func (w *MockWriter) Write(filename string, data []byte) error {
	if w.Data == nil {
		w.Data = make(map[string][]byte)
	}
	w.Data[filename] = data
	return w.Err
}

func sampleRecord(id string, started time.Time) history.Record {
	return history.Record{
		ID:          id,
		Kind:        history.KindInteractive,
		Portal:      "acme.example.com",
		CollectorID: 12,
		Status:      "complete",
		Output:      "ok",
		StartedAt:   started,
		Duration:    3 * time.Second,
	}
}

func TestFileStoreSave(t *testing.T) {
	tests := []struct {
		name        string
		rec         history.Record
		writer      history.Writer
		expectedErr bool
	}{
		{
			name:   "valid record",
			rec:    sampleRecord("abc", time.Now()),
			writer: &MockWriter{},
		},
		{
			name:        "empty id",
			rec:         history.Record{},
			writer:      &MockWriter{},
			expectedErr: true,
		},
		{
			name:        "writer error",
			rec:         sampleRecord("abc", time.Now()),
			writer:      &MockWriter{Err: fmt.Errorf("write failed")},
			expectedErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := history.NewFileStore(t.TempDir())
			s.Writer = tt.writer
			err := s.Save(context.Background(), tt.rec)
			if tt.expectedErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := history.NewFileStore(t.TempDir())
	base := time.Now().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(context.Background(), sampleRecord(fmt.Sprintf("rec-%d", i), base.Add(time.Duration(i)*time.Minute))))
	}

	recs, err := s.Recent(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// newest first
	assert.Equal(t, "rec-4", recs[0].ID)
	assert.Equal(t, "rec-3", recs[1].ID)
	assert.Equal(t, "rec-2", recs[2].ID)
	assert.Equal(t, 12, recs[0].CollectorID)
}

func TestFileStoreRecentMissingDir(t *testing.T) {
	s := history.NewFileStore(t.TempDir() + "/nope")
	recs, err := s.Recent(context.Background(), 10)
	assert.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDiscardStore(t *testing.T) {
	assert.NoError(t, history.Discard.Save(context.Background(), history.Record{}))
	recs, err := history.Discard.Recent(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, recs)
}
