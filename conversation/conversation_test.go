package conversation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTurn(t *testing.T, c *Conversation) string {
	t.Helper()
	c.AppendMessage(c.UserRole(), "Hi")
	c.AppendMessage(c.AssistantRole(), "Hello!")
	c.AppendMessage(c.UserRole(), "Bye")
	c.AppendMessage(c.AssistantRole(), "")
	p, err := c.Prompt()
	require.NoError(t, err)
	return p
}

func TestVicunaPrompt(t *testing.T) {
	c, err := NewRegistry().Get("vicuna_v1.1")
	require.NoError(t, err)

	assert.Equal(t, vicunaSystem+" USER: Hi ASSISTANT: Hello!</s>USER: Bye ASSISTANT:", twoTurn(t, c))
}

func TestZeroShotPrompt(t *testing.T) {
	c, err := NewRegistry().Get("zero_shot")
	require.NoError(t, err)

	assert.Equal(t, assistantSystem+"\n### Human: Hi\n### Assistant: Hello!\n### Human: Bye\n### Assistant:", twoTurn(t, c))
}

func TestFalconPrompt(t *testing.T) {
	c, err := NewRegistry().Get("falcon")
	require.NoError(t, err)

	c.AppendMessage(c.UserRole(), "Hi\r\n\r\nthere")
	c.AppendMessage(c.AssistantRole(), "Hello")
	c.AppendMessage(c.UserRole(), "q2")
	c.AppendMessage(c.AssistantRole(), "")
	p, err := c.Prompt()
	require.NoError(t, err)
	assert.Equal(t, "User: Hi\nthere\n\nAssistant: Hello\n\nUser: q2\n\nAssistant:", p)
	assert.Equal(t, []string{"\nUser"}, c.StopStr)
}

func TestLlama2Prompt(t *testing.T) {
	c, err := NewRegistry().Get("llama-2")
	require.NoError(t, err)
	assert.Equal(t, "[INST] Hi [/INST] Hello! </s><s>[INST] Bye [/INST]", twoTurn(t, c))

	c, err = NewRegistry().Get("llama-2")
	require.NoError(t, err)
	c.SystemMessage = "Be brief."
	assert.True(t, strings.HasPrefix(twoTurn(t, c), "[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\nHi [/INST]"))
}

func TestLlama3Prompt(t *testing.T) {
	c, err := NewRegistry().Get("llama-3")
	require.NoError(t, err)

	want := "<|begin_of_text|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nHi<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\nHello!<|eot_id|>" +
		"<|start_header_id|>user<|end_header_id|>\n\nBye<|eot_id|>" +
		"<|start_header_id|>assistant<|end_header_id|>\n\n"
	assert.Equal(t, want, twoTurn(t, c))
	assert.Equal(t, []int{128001, 128009}, c.StopTokenIDs)
}

func TestChatMLPrompt(t *testing.T) {
	c, err := NewRegistry().Get("chatml")
	require.NoError(t, err)

	want := "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n" +
		"<|im_start|>user\nHi<|im_end|>\n" +
		"<|im_start|>assistant\nHello!<|im_end|>\n" +
		"<|im_start|>user\nBye<|im_end|>\n" +
		"<|im_start|>assistant\n"
	assert.Equal(t, want, twoTurn(t, c))
}

func TestUpdateLastMessage(t *testing.T) {
	c, err := NewRegistry().Get("falcon")
	require.NoError(t, err)

	c.AppendMessage(c.UserRole(), "Q")
	c.AppendMessage(c.AssistantRole(), "")
	c.UpdateLastMessage("A")
	p, err := c.Prompt()
	require.NoError(t, err)
	assert.Equal(t, "User: Q\n\nAssistant: A\n\n", p)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	r := NewRegistry()
	a, err := r.Get("one_shot")
	require.NoError(t, err)
	a.AppendMessage("Human", "extra")
	a.StopStr[0] = "changed"

	b, err := r.Get("one_shot")
	require.NoError(t, err)
	assert.Len(t, b.Messages, 2)
	assert.Equal(t, []string{"###"}, b.StopStr)
}

func TestTemplateName(t *testing.T) {
	cases := map[string]string{
		"vicuna-7b-v1.5":           "vicuna_v1.1",
		"Meta-Llama-3-8B-Instruct": "llama-3",
		"llama-2-13b-chat":         "llama-2",
		"Mistral-7B-Instruct":      "mistral",
		"Qwen1.5-7B-Chat":          "qwen-7b-chat",
		"falcon-7b-instruct":       "falcon",
		"xgen-7b-8k-inst":          "xgen",
		"my-finetune":              DefaultTemplate,
	}
	for id, want := range cases {
		assert.Equal(t, want, TemplateName(id), id)
	}
}

func TestGetUnknownTemplate(t *testing.T) {
	_, err := NewRegistry().Get("nope")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	data := `templates:
  - name: house
    system_message: "You answer benchmark questions."
    roles: ["Q", "A"]
    sep_style: add_colon_single
    sep: "\n"
    stop_str: ["\nQ:"]
    stop_token_ids: [7]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	r := NewRegistry()
	names, err := r.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"house"}, names)
	assert.Contains(t, r.Names(), "house")

	c, err := r.Get("house")
	require.NoError(t, err)
	c.AppendMessage("Q", "2+2?")
	c.AppendMessage("A", "")
	p, err := c.Prompt()
	require.NoError(t, err)
	assert.Equal(t, "You answer benchmark questions.\nQ: 2+2?\nA:", p)
	assert.Equal(t, []int{7}, c.StopTokenIDs)
}

func TestLoadFileNoColonStyle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.yaml")
	data := `templates:
  - name: tags
    system_message: "S"
    roles: ["<|user|>", "<|bot|>"]
    sep_style: no_colon_single
    sep: "\n"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	r := NewRegistry()
	_, err := r.LoadFile(path)
	require.NoError(t, err)

	c, err := r.Get("tags")
	require.NoError(t, err)
	assert.Equal(t, NoColonSingle, c.Style)
	assert.Equal(t, "S<|user|>Hi\n<|bot|>Hello!\n<|user|>Bye\n<|bot|>", twoTurn(t, c))
}

func TestLoadFileRejectsBadStyle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("templates:\n  - name: x\n    sep_style: wavy\n"), 0o644))

	_, err := NewRegistry().LoadFile(path)
	assert.Error(t, err)
}
