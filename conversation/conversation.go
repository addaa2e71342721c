// Package conversation builds chat prompts for instruction-tuned models.
//
// A Conversation keeps the message history of one sampled choice. Each turn
// appends the user message plus an empty assistant slot, renders the prompt,
// and after generation fills the slot with the model's answer.
package conversation

import (
	"fmt"
	"slices"
	"strings"
)

// SeparatorStyle selects how messages are joined into a prompt
type SeparatorStyle string

const (
	AddColonSingle SeparatorStyle = "add_colon_single"
	AddColonTwo    SeparatorStyle = "add_colon_two"
	NoColonSingle  SeparatorStyle = "no_colon_single"
	Llama2         SeparatorStyle = "llama2"
	Llama3         SeparatorStyle = "llama3"
	ChatML         SeparatorStyle = "chatml"
	RWKV           SeparatorStyle = "rwkv"
)

// Message is one entry of the history. An empty Content marks the slot the
// model is asked to fill.
type Message struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

// Conversation is a chat template plus the running history
type Conversation struct {
	Name           string         `yaml:"name"`
	SystemTemplate string         `yaml:"system_template"`
	SystemMessage  string         `yaml:"system_message"`
	Roles          [2]string      `yaml:"roles"`
	Messages       []Message      `yaml:"messages"`
	Style          SeparatorStyle `yaml:"sep_style"`
	Sep            string         `yaml:"sep"`
	Sep2           string         `yaml:"sep2"`
	StopStr        []string       `yaml:"stop_str"`
	StopTokenIDs   []int          `yaml:"stop_token_ids"`
}

// UserRole is the role of the asking side
func (c *Conversation) UserRole() string { return c.Roles[0] }

// AssistantRole is the role of the model
func (c *Conversation) AssistantRole() string { return c.Roles[1] }

// AppendMessage adds a message to the history
func (c *Conversation) AppendMessage(role, content string) {
	c.Messages = append(c.Messages, Message{Role: role, Content: content})
}

// UpdateLastMessage overwrites the content of the newest message
func (c *Conversation) UpdateLastMessage(content string) {
	if len(c.Messages) == 0 {
		return
	}
	c.Messages[len(c.Messages)-1].Content = content
}

// Copy returns an independent conversation
func (c *Conversation) Copy() *Conversation {
	cp := *c
	cp.Messages = slices.Clone(c.Messages)
	cp.StopStr = slices.Clone(c.StopStr)
	cp.StopTokenIDs = slices.Clone(c.StopTokenIDs)
	return &cp
}

func (c *Conversation) systemPrompt() string {
	if c.SystemTemplate == "" {
		return c.SystemMessage
	}
	return strings.ReplaceAll(c.SystemTemplate, "{system_message}", c.SystemMessage)
}

// Prompt renders the history in the template's separator style
func (c *Conversation) Prompt() (string, error) {
	system := c.systemPrompt()
	var b strings.Builder

	switch c.Style {
	case AddColonSingle:
		b.WriteString(system + c.Sep)
		for _, m := range c.Messages {
			if m.Content != "" {
				b.WriteString(m.Role + ": " + m.Content + c.Sep)
			} else {
				b.WriteString(m.Role + ":")
			}
		}

	case AddColonTwo:
		seps := [2]string{c.Sep, c.Sep2}
		b.WriteString(system + seps[0])
		for i, m := range c.Messages {
			if m.Content != "" {
				b.WriteString(m.Role + ": " + m.Content + seps[i%2])
			} else {
				b.WriteString(m.Role + ":")
			}
		}

	case NoColonSingle:
		b.WriteString(system)
		for _, m := range c.Messages {
			if m.Content != "" {
				b.WriteString(m.Role + m.Content + c.Sep)
			} else {
				b.WriteString(m.Role)
			}
		}

	case Llama2:
		seps := [2]string{c.Sep, c.Sep2}
		if c.SystemMessage != "" {
			b.WriteString(system)
		} else {
			b.WriteString("[INST] ")
		}
		for i, m := range c.Messages {
			tag := c.Roles[i%2]
			switch {
			case m.Content == "":
				b.WriteString(tag)
			case i == 0:
				b.WriteString(m.Content + " ")
			default:
				b.WriteString(tag + " " + m.Content + seps[i%2])
			}
		}

	case Llama3:
		b.WriteString("<|begin_of_text|>")
		if c.SystemMessage != "" {
			b.WriteString(system)
		}
		for _, m := range c.Messages {
			b.WriteString("<|start_header_id|>" + m.Role + "<|end_header_id|>\n\n")
			if m.Content != "" {
				b.WriteString(strings.TrimSpace(m.Content) + "<|eot_id|>")
			}
		}

	case ChatML:
		if system != "" {
			b.WriteString(system + c.Sep + "\n")
		}
		for _, m := range c.Messages {
			if m.Content != "" {
				b.WriteString(m.Role + "\n" + m.Content + c.Sep + "\n")
			} else {
				b.WriteString(m.Role + "\n")
			}
		}

	case RWKV:
		b.WriteString(system)
		for _, m := range c.Messages {
			if m.Content != "" {
				content := strings.ReplaceAll(m.Content, "\r\n", "\n")
				content = strings.ReplaceAll(content, "\n\n", "\n")
				b.WriteString(m.Role + ": " + content + "\n\n")
			} else {
				b.WriteString(m.Role + ":")
			}
		}

	default:
		return "", fmt.Errorf("conversation %q: unknown separator style %q", c.Name, c.Style)
	}

	return b.String(), nil
}
