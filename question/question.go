// Package question loads benchmark question sets stored as newline-delimited JSON.
package question

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ID is a question id, either an integer or a string
type ID struct {
	num   int64
	str   string
	isStr bool
}

// IntID returns a numeric id
func IntID(n int64) ID { return ID{num: n} }

// StringID returns a string id
func StringID(s string) ID { return ID{str: s, isStr: true} }

// IsString reports whether the id was given as a JSON string
func (id ID) IsString() bool { return id.isStr }

func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// Compare orders numeric ids numerically, string ids lexically, numbers first
func (id ID) Compare(other ID) int {
	switch {
	case !id.isStr && other.isStr:
		return -1
	case id.isStr && !other.isStr:
		return 1
	case id.isStr:
		switch {
		case id.str < other.str:
			return -1
		case id.str > other.str:
			return 1
		}
		return 0
	}
	switch {
	case id.num < other.num:
		return -1
	case id.num > other.num:
		return 1
	}
	return 0
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("question_id must be an integer or a string, got %s", data)
	}
	*id = IntID(n)
	return nil
}

// Question is one row of question.jsonl
type Question struct {
	ID        ID       `json:"question_id"`
	Category  string   `json:"category"`
	Turns     []string `json:"turns"`
	Reference []string `json:"reference,omitempty"`
}

// DefaultTemperature applies to categories without an entry in temperatures
const DefaultTemperature = 0.7

var temperatures = map[string]float64{
	"writing":        0.7,
	"roleplay":       0.7,
	"extraction":     0.0,
	"math":           0.0,
	"coding":         0.0,
	"reasoning":      0.0,
	"stem":           0.1,
	"humanities":     0.1,
	"arena-hard-200": 0.0,
}

// Temperature returns the sampling temperature for a category
func Temperature(category string) float64 {
	if t, ok := temperatures[category]; ok {
		return t
	}
	return DefaultTemperature
}

// QuestionFile is the question set of a benchmark under dataDir
func QuestionFile(dataDir, bench string) string {
	return filepath.Join(dataDir, bench, "question.jsonl")
}

// DefaultAnswerFile is where answers for modelID go when no path is given
func DefaultAnswerFile(dataDir, bench, modelID string) string {
	return filepath.Join(dataDir, bench, "model_answer", modelID+".jsonl")
}

// Load reads the question file and returns questions[begin:end]. Nil bounds
// are open, negative bounds count from the end.
func Load(path string, begin, end *int) ([]Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var questions []Question
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var q Question
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		questions = append(questions, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	lo, hi := SliceBounds(len(questions), begin, end)
	return questions[lo:hi], nil
}

// SliceBounds resolves optional slice bounds the way a[begin:end] does in
// Python: negative values count from n, out of range values are clamped.
func SliceBounds(n int, begin, end *int) (int, int) {
	resolve := func(p *int, def int) int {
		if p == nil {
			return def
		}
		v := *p
		if v < 0 {
			v += n
		}
		return min(max(v, 0), n)
	}
	lo := resolve(begin, 0)
	hi := resolve(end, n)
	if hi < lo {
		hi = lo
	}
	return lo, hi
}
