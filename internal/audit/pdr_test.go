package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/store"
)

func TestRecordHashesInputs(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer s.Close()

	w := NewPDRWriter(s)
	req := models.StartTaskRequest{TaskID: 7, TableName: "orders"}
	entry, err := w.Record(ActionStartTask, req, OutcomeSuccess, "search:1/7", "none")
	require.NoError(t, err)

	assert.Equal(t, HashInputs(req), entry.InputsHash)
	assert.Len(t, entry.InputsHash, 64)
	assert.NotEqual(t, HashInputs(models.StartTaskRequest{TaskID: 8}), entry.InputsHash)

	entries, err := s.ListPDR("search:1/7")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionStartTask, entries[0].Action)
}

func TestHashInputsUnencodable(t *testing.T) {
	assert.Equal(t, "hash_error", HashInputs(make(chan int)))
}
