package chatTemplates

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatFastVLMPrompt(t *testing.T) {
	prompt, err := FormatFastVLMPrompt("Describe this image briefly.")
	require.NoError(t, err)
	expected := "<|im_start|>system\nYou are a helpful vision assistant that describes images accurately.<|im_end|>\n" +
		"<|im_start|>user\n<image>\nDescribe this image briefly.<|im_end|>\n" +
		"<|im_start|>assistant\n"
	assert.Equal(t, expected, prompt)
}

func TestFormatFastVLMPromptKeepsTextVerbatim(t *testing.T) {
	text := "What is <b>this</b> & {{ that }}?\nSecond line"
	prompt, err := FormatFastVLMPrompt(text)
	require.NoError(t, err)
	assert.Contains(t, prompt, "<image>\n"+text+"<|im_end|>")
	assert.Equal(t, 1, strings.Count(prompt, ImagePlaceholder))
}
