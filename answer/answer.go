// Package answer persists generated answers as newline-delimited JSON.
package answer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"nano-vllm-bench/question"
)

// Choice is one sampled completion, a reply per question turn
type Choice struct {
	Index int      `json:"index"`
	Turns []string `json:"turns"`
}

// Record is one row of the answer file
type Record struct {
	QuestionID question.ID `json:"question_id"`
	AnswerID   string      `json:"answer_id"`
	ModelID    string      `json:"model_id"`
	Choices    []Choice    `json:"choices"`
	Timestamp  float64     `json:"tstamp"`
}

// NewRecord stamps choices with a fresh answer id and the current time
func NewRecord(qid question.ID, modelID string, choices []Choice) Record {
	return Record{
		QuestionID: qid,
		AnswerID:   shortuuid.New(),
		ModelID:    modelID,
		Choices:    choices,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
	}
}

// Writer appends records to an answer file. Every append opens and closes
// the file so concurrent shards never hold a shared handle.
type Writer struct {
	mu   sync.Mutex
	path string
}

// NewWriter returns a writer for path; the file is created on first append
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path is the answer file location
func (w *Writer) Path() string { return w.path }

// Append writes rec as one JSON line
func (w *Writer) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode answer %s: %w", rec.QuestionID, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Reorg rewrites the answer file with one line per question id, sorted. When
// an id appears more than once the last line wins; kept lines are written
// back byte for byte.
func Reorg(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	type entry struct {
		id   question.ID
		line []byte
	}
	latest := make(map[question.ID]entry)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var head struct {
			QuestionID question.ID `json:"question_id"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			f.Close()
			return fmt.Errorf("%s:%d: %w", path, n, err)
		}
		latest[head.QuestionID] = entry{id: head.QuestionID, line: slices.Clone(raw)}
	}
	err = scanner.Err()
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	entries := make([]entry, 0, len(latest))
	for _, e := range latest {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b entry) int { return a.id.Compare(b.id) })

	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e.line)
		buf.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
