package eval

import (
	"slices"
	"strings"

	"nano-vllm-bench/conversation"
	"nano-vllm-bench/nanovllm"
)

// PostProcess turns generated token ids into the answer text:
//  1. cut at the first stop token id of the template
//  2. decode
//  3. cut at the earliest stop string found past the first character
//  4. drop special token strings and surrounding whitespace
//  5. for xgen, drop a leading "Assistant:" once
func PostProcess(tokenIDs []int, conv *conversation.Conversation, tok nanovllm.Tokenizer, specialTokens []string) (string, error) {
	if len(conv.StopTokenIDs) > 0 {
		if i := slices.IndexFunc(tokenIDs, func(id int) bool { return slices.Contains(conv.StopTokenIDs, id) }); i >= 0 {
			tokenIDs = tokenIDs[:i]
		}
	}

	output, err := tok.Decode(tokenIDs)
	if err != nil {
		return "", err
	}

	cut := -1
	for _, s := range conv.StopStr {
		if s == "" {
			continue
		}
		if i := strings.Index(output, s); i > 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut > 0 {
		output = output[:cut]
	}

	for _, special := range specialTokens {
		if special != "" {
			output = strings.ReplaceAll(output, special, "")
		}
	}
	output = strings.TrimSpace(output)

	if conv.Name == "xgen" && strings.HasPrefix(output, "Assistant:") {
		output = strings.TrimSpace(strings.Replace(output, "Assistant:", "", 1))
	}
	return output, nil
}
