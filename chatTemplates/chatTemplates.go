package chatTemplates

import (
	"strings"
	"text/template"
)

// ImagePlaceholder is the token the vision embeddings are spliced in at.
const ImagePlaceholder = "<image>"

// SystemPrompt is the fixed assistant persona of the FastVLM template.
const SystemPrompt = "You are a helpful vision assistant that describes images accurately."

// FastVLMTemplate is the Qwen2 style chat layout FastVLM was trained with: a system turn,
// a user turn holding exactly one image placeholder followed by the user text, and an open
// assistant turn for the decoder to continue.
const FastVLMTemplate = `<|im_start|>system
{{ .System }}<|im_end|>
<|im_start|>user
{{ .Image }}
{{ .Text }}<|im_end|>
<|im_start|>assistant
`

var fastVLMTemplate = template.Must(template.New("fastvlm").Parse(FastVLMTemplate))

type promptData struct {
	System string
	Image  string
	Text   string
}

// FormatFastVLMPrompt wraps userText in the FastVLM chat template.
func FormatFastVLMPrompt(userText string) (string, error) {
	var sb strings.Builder
	err := fastVLMTemplate.Execute(&sb, promptData{
		System: SystemPrompt,
		Image:  ImagePlaceholder,
		Text:   userText,
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
