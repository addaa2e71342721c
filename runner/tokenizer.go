package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
)

// SpecialTokens is the special token map of a HuggingFace tokenizer
type SpecialTokens struct {
	EOS        string
	BOS        string
	UNK        string
	PAD        string
	Additional []string
}

// All returns every non-empty special token string
func (s SpecialTokens) All() []string {
	out := make([]string, 0, 4+len(s.Additional))
	for _, tok := range []string{s.EOS, s.BOS, s.UNK, s.PAD} {
		if tok != "" {
			out = append(out, tok)
		}
	}
	for _, tok := range s.Additional {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// tokenValue accepts both "</s>" and {"content": "</s>", ...}
type tokenValue string

func (v *tokenValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = tokenValue(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("special token must be a string or object: %w", err)
	}
	*v = tokenValue(obj.Content)
	return nil
}

type specialTokensFile struct {
	EOS        tokenValue   `json:"eos_token"`
	BOS        tokenValue   `json:"bos_token"`
	UNK        tokenValue   `json:"unk_token"`
	PAD        tokenValue   `json:"pad_token"`
	Additional []tokenValue `json:"additional_special_tokens"`
}

// LoadSpecialTokens reads special_tokens_map.json, falling back to
// tokenizer_config.json. A directory with neither yields an empty map.
func LoadSpecialTokens(dir string) (SpecialTokens, error) {
	for _, name := range []string{"special_tokens_map.json", "tokenizer_config.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return SpecialTokens{}, err
		}

		var f specialTokensFile
		if err := json.Unmarshal(data, &f); err != nil {
			return SpecialTokens{}, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		st := SpecialTokens{
			EOS: string(f.EOS),
			BOS: string(f.BOS),
			UNK: string(f.UNK),
			PAD: string(f.PAD),
		}
		for _, a := range f.Additional {
			st.Additional = append(st.Additional, string(a))
		}
		return st, nil
	}
	return SpecialTokens{}, nil
}

// loadAddedTokens maps added token contents to IDs from tokenizer.json
func loadAddedTokens(path string) (map[string]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tj struct {
		AddedTokens []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &tj); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	added := make(map[string]int, len(tj.AddedTokens))
	for _, t := range tj.AddedTokens {
		added[t.Content] = t.ID
	}
	return added, nil
}

// modelConfig holds the fields of a HuggingFace config.json this repo needs
type modelConfig struct {
	VocabSize  int             `json:"vocab_size"`
	EOSTokenID json.RawMessage `json:"eos_token_id"`
}

// eos returns the first EOS id; config.json allows an int or a list
func (c modelConfig) eos() (int, bool) {
	if len(c.EOSTokenID) == 0 {
		return 0, false
	}
	var id int
	if err := json.Unmarshal(c.EOSTokenID, &id); err == nil {
		return id, true
	}
	var ids []int
	if err := json.Unmarshal(c.EOSTokenID, &ids); err == nil && len(ids) > 0 {
		return ids[0], true
	}
	return 0, false
}

func loadModelConfig(dir string) (modelConfig, error) {
	var c modelConfig
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("failed to parse config.json: %w", err)
	}
	return c, nil
}

// HFTokenizer implements nanovllm.Tokenizer over a tokenizer.json using the
// HuggingFace tokenizers bindings
type HFTokenizer struct {
	tk      *tokenizers.Tokenizer
	eosID   int
	special SpecialTokens
}

// NewHFTokenizer loads tokenizer.json and the special token map from dir
func NewHFTokenizer(dir string) (*HFTokenizer, error) {
	path := filepath.Join(dir, "tokenizer.json")
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	special, err := LoadSpecialTokens(dir)
	if err != nil {
		tk.Close()
		return nil, err
	}

	t := &HFTokenizer{tk: tk, eosID: -1, special: special}

	added, err := loadAddedTokens(path)
	if err != nil {
		tk.Close()
		return nil, err
	}
	if id, ok := added[special.EOS]; ok {
		t.eosID = id
	} else if cfg, err := loadModelConfig(dir); err == nil {
		if id, ok := cfg.eos(); ok {
			t.eosID = id
		}
	}
	if t.eosID < 0 {
		tk.Close()
		return nil, fmt.Errorf("no EOS token id found in %s", dir)
	}
	return t, nil
}

// Encode implements nanovllm.Tokenizer, adding the model's special tokens
func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, true)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

// Decode implements nanovllm.Tokenizer; special tokens are kept in the text
func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, false), nil
}

// EOSTokenID implements nanovllm.Tokenizer
func (t *HFTokenizer) EOSTokenID() int {
	return t.eosID
}

// SpecialTokens returns the tokenizer's special token map
func (t *HFTokenizer) SpecialTokens() SpecialTokens {
	return t.special
}

// Close frees the native tokenizer
func (t *HFTokenizer) Close() error {
	return t.tk.Close()
}
