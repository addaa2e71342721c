package conversation

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultTemplate is used when no matcher claims a model id
const DefaultTemplate = "one_shot"

// ErrUnknownTemplate is returned for a template name that is not registered
var ErrUnknownTemplate = errors.New("unknown conversation template")

const assistantSystem = "A chat between a curious human and an artificial intelligence assistant. " +
	"The assistant gives helpful, detailed, and polite answers to the human's questions."

const vicunaSystem = "A chat between a curious user and an artificial intelligence assistant. " +
	"The assistant gives helpful, detailed, and polite answers to the user's questions."

func builtins() []*Conversation {
	return []*Conversation{
		{
			Name:          "one_shot",
			SystemMessage: assistantSystem,
			Roles:         [2]string{"Human", "Assistant"},
			Messages: []Message{
				{Role: "Human", Content: "Got any creative ideas for a 10 year old’s birthday?"},
				{Role: "Assistant", Content: "Of course! Here are some creative ideas for a 10-year-old's birthday party:\n" +
					"1. Treasure Hunt: Organize a treasure hunt in your backyard or nearby park. Create clues and riddles for the kids to solve, leading them to hidden treasures and surprises.\n" +
					"2. Science Party: Plan a science-themed party where kids can engage in fun and interactive experiments. You can set up different stations with activities like making slime, erupting volcanoes, or creating simple chemical reactions.\n" +
					"3. Outdoor Movie Night: Set up a backyard movie night with a projector and a large screen or white sheet. Create a cozy seating area with blankets and pillows, and serve popcorn and snacks while the kids enjoy a favorite movie under the stars.\n" +
					"4. DIY Crafts Party: Arrange a craft party where kids can unleash their creativity. Provide a variety of craft supplies like beads, paints, and fabrics, and let them create their own unique masterpieces to take home as party favors.\n" +
					"5. Sports Olympics: Host a mini Olympics event with various sports and games. Set up different stations for activities like sack races, relay races, basketball shooting, and obstacle courses. Give out medals or certificates to the participants.\n" +
					"6. Cooking Party: Have a cooking-themed party where the kids can prepare their own mini pizzas, cupcakes, or cookies. Provide toppings, frosting, and decorating supplies, and let them get hands-on in the kitchen.\n" +
					"7. Superhero Training Camp: Create a superhero-themed party where the kids can engage in fun training activities. Set up an obstacle course, have them design their own superhero capes or masks, and organize superhero-themed games and challenges.\n" +
					"8. Outdoor Adventure: Plan an outdoor adventure party at a local park or nature reserve. Arrange activities like hiking, nature scavenger hunts, or a picnic with games. Encourage exploration and appreciation for the outdoors.\n" +
					"Remember to tailor the activities to the birthday child's interests and preferences. Have a great celebration!"},
			},
			Style:   AddColonSingle,
			Sep:     "\n### ",
			StopStr: []string{"###"},
		},
		{
			Name:          "zero_shot",
			SystemMessage: assistantSystem,
			Roles:         [2]string{"Human", "Assistant"},
			Style:         AddColonSingle,
			Sep:           "\n### ",
			StopStr:       []string{"###"},
		},
		{
			Name:          "vicuna_v1.1",
			SystemMessage: vicunaSystem,
			Roles:         [2]string{"USER", "ASSISTANT"},
			Style:         AddColonTwo,
			Sep:           " ",
			Sep2:          "</s>",
		},
		{
			Name:          "alpaca",
			SystemMessage: "Below is an instruction that describes a task. Write a response that appropriately completes the request.",
			Roles:         [2]string{"### Instruction", "### Response"},
			Style:         AddColonTwo,
			Sep:           "\n\n",
			Sep2:          "</s>",
		},
		{
			Name:           "llama-2",
			SystemTemplate: "[INST] <<SYS>>\n{system_message}\n<</SYS>>\n\n",
			Roles:          [2]string{"[INST]", "[/INST]"},
			Style:          Llama2,
			Sep:            " ",
			Sep2:           " </s><s>",
		},
		{
			Name:           "llama-3",
			SystemTemplate: "<|start_header_id|>system<|end_header_id|>\n\n{system_message}<|eot_id|>",
			Roles:          [2]string{"user", "assistant"},
			Style:          Llama3,
			StopStr:        []string{"<|eot_id|>"},
			StopTokenIDs:   []int{128001, 128009},
		},
		{
			Name:  "mistral",
			Roles: [2]string{"[INST]", "[/INST]"},
			Style: Llama2,
			Sep:   " ",
			Sep2:  "</s>",
		},
		{
			Name:           "chatml",
			SystemTemplate: "<|im_start|>system\n{system_message}",
			SystemMessage:  "You are a helpful assistant.",
			Roles:          [2]string{"<|im_start|>user", "<|im_start|>assistant"},
			Style:          ChatML,
			Sep:            "<|im_end|>",
			StopStr:        []string{"<|im_end|>"},
		},
		{
			Name:           "qwen-7b-chat",
			SystemTemplate: "<|im_start|>system\n{system_message}",
			SystemMessage:  "You are a helpful assistant.",
			Roles:          [2]string{"<|im_start|>user", "<|im_start|>assistant"},
			Style:          ChatML,
			Sep:            "<|im_end|>",
			StopStr:        []string{"<|endoftext|>"},
			StopTokenIDs:   []int{151643, 151644, 151645},
		},
		{
			Name:         "falcon",
			Roles:        [2]string{"User", "Assistant"},
			Style:        RWKV,
			Sep:          "\n",
			Sep2:         "<|endoftext|>",
			StopStr:      []string{"\nUser"},
			StopTokenIDs: []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		},
		{
			Name:          "xgen",
			SystemMessage: assistantSystem,
			Roles:         [2]string{"### Human", "### Assistant"},
			Style:         AddColonSingle,
			Sep:           "\n",
			StopTokenIDs:  []int{50256},
		},
	}
}

// matcher claims model ids containing any of its needles
type matcher struct {
	needles  []string
	template string
}

// ordered: more specific names first
var matchers = []matcher{
	{[]string{"vicuna"}, "vicuna_v1.1"},
	{[]string{"llama-3", "llama3"}, "llama-3"},
	{[]string{"llama-2", "llama2"}, "llama-2"},
	{[]string{"mistral", "mixtral"}, "mistral"},
	{[]string{"qwen"}, "qwen-7b-chat"},
	{[]string{"yi-", "openhermes", "dolphin"}, "chatml"},
	{[]string{"falcon"}, "falcon"},
	{[]string{"xgen"}, "xgen"},
	{[]string{"alpaca"}, "alpaca"},
}

// Registry holds named templates
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Conversation
}

// NewRegistry returns a registry preloaded with the built-in templates
func NewRegistry() *Registry {
	r := &Registry{templates: make(map[string]*Conversation)}
	for _, c := range builtins() {
		r.templates[c.Name] = c
	}
	return r
}

// Register adds or replaces a template after checking it renders
func (r *Registry) Register(c *Conversation) error {
	if c.Name == "" {
		return errors.New("conversation template needs a name")
	}
	if _, err := c.Copy().Prompt(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[c.Name] = c.Copy()
	return nil
}

// Get returns a fresh copy of the named template
func (r *Registry) Get(name string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return c.Copy(), nil
}

// Names lists the registered templates
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TemplateName picks the template for a model id by substring match
func TemplateName(modelID string) string {
	id := strings.ToLower(modelID)
	for _, m := range matchers {
		for _, n := range m.needles {
			if strings.Contains(id, n) {
				return m.template
			}
		}
	}
	return DefaultTemplate
}

// ForModel returns a fresh conversation for modelID
func (r *Registry) ForModel(modelID string) (*Conversation, error) {
	return r.Get(TemplateName(modelID))
}

type templateFile struct {
	Templates []*Conversation `yaml:"templates"`
}

// LoadFile registers every template of a YAML file and returns their names
func (r *Registry) LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	names := make([]string, 0, len(f.Templates))
	for _, c := range f.Templates {
		if err := r.Register(c); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		names = append(names, c.Name)
	}
	return names, nil
}
