package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "journal.jsonl")
	w, err := NewFileWAL(path)
	require.NoError(t, err)

	require.NoError(t, w.Append("deposit", map[string]any{"amount": "10"}))
	require.NoError(t, w.Append("batch", map[string]any{"seq": 1}))
	require.NoError(t, w.Close())

	entries, err := ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "deposit", entries[0].Kind)
	require.Equal(t, "batch", entries[1].Kind)

	var body struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, json.Unmarshal(entries[1].Data, &body))
	require.Equal(t, 1, body.Seq)

	// reopening appends
	w, err = NewFileWAL(path)
	require.NoError(t, err)
	require.NoError(t, w.Append("withdrawal", nil))
	require.NoError(t, w.Close())
	entries, err = ReadJournal(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestFileWALRejectsUnencodable(t *testing.T) {
	w, err := NewFileWAL(filepath.Join(t.TempDir(), "j"))
	require.NoError(t, err)
	defer w.Close()
	require.Error(t, w.Append("bad", make(chan int)))
}

func TestNopWAL(t *testing.T) {
	require.NoError(t, NewNopWAL().Append("anything", 1))
}
