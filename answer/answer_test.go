package answer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nano-vllm-bench/question"
)

var idComparer = cmp.Comparer(func(a, b question.ID) bool { return a.Compare(b) == 0 })

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		out = append(out, r)
	}
	return out
}

func TestNewRecord(t *testing.T) {
	a := NewRecord(question.IntID(81), "vicuna", []Choice{{Index: 0, Turns: []string{"hi"}}})
	b := NewRecord(question.IntID(81), "vicuna", nil)

	assert.NotEmpty(t, a.AnswerID)
	assert.NotEqual(t, a.AnswerID, b.AnswerID)
	assert.Positive(t, a.Timestamp)
	assert.Equal(t, "vicuna", a.ModelID)
}

func TestWriterAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_answer", "m.jsonl")
	w := NewWriter(path)

	recs := []Record{
		NewRecord(question.IntID(2), "m", []Choice{{Index: 0, Turns: []string{"two"}}}),
		NewRecord(question.StringID("x"), "m", []Choice{{Index: 0, Turns: []string{"ex", "ERROR"}}}),
	}
	for _, r := range recs {
		require.NoError(t, w.Append(r))
	}

	got := readRecords(t, path)
	if diff := cmp.Diff(recs, got, idComparer, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterConcurrentAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	w := NewWriter(path)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Append(NewRecord(question.IntID(int64(i)), "m", nil)))
		}()
	}
	wg.Wait()

	assert.Len(t, readRecords(t, path), 50)
}

func TestReorgDedupesAndSorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jsonl")
	lines := []string{
		`{"question_id": 10, "answer_id": "old", "model_id": "m", "choices": [], "tstamp": 1}`,
		`{"question_id": "b", "answer_id": "s1", "model_id": "m", "choices": [], "tstamp": 1}`,
		`{"question_id": 2, "answer_id": "two", "model_id": "m", "choices": [], "tstamp": 1}`,
		``,
		`{"question_id": 10, "answer_id": "new", "model_id": "m", "choices": [], "tstamp": 2}`,
		`{"question_id": "10", "answer_id": "str", "model_id": "m", "choices": [], "tstamp": 1}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	require.NoError(t, Reorg(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	want := strings.Join([]string{lines[2], lines[4], lines[5], lines[1]}, "\n") + "\n"
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Errorf("reorg mismatch (-want +got):\n%s", diff)
	}

	// idempotent
	require.NoError(t, Reorg(path))
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(again))
}

func TestReorgErrors(t *testing.T) {
	assert.ErrorIs(t, Reorg(filepath.Join(t.TempDir(), "none.jsonl")), os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"question_id\": 1}\nnope\n"), 0o644))
	err := Reorg(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
}
