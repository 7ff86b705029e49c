package ollama

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/corvidlabs/aegis/internal/agentapi"
)

func TestConvertMessagesFlattensToolRoleIntoLabeledUserMessage(t *testing.T) {
	in := []agentapi.ChatMessage{
		{Role: "tool", ToolName: "search", Content: "3 results found"},
	}
	out := convertMessages(in)
	assert.Equal(t, "user", out[0].Role)
	assert.Contains(t, out[0].Content, "search")
	assert.Contains(t, out[0].Content, "3 results found")
}

func TestConvertMessagesForwardsImagesField(t *testing.T) {
	in := []agentapi.ChatMessage{
		{Role: "user", Content: "what's in this photo?", Images: []string{"base64data=="}},
	}
	out := convertMessages(in)
	assert.Equal(t, []string{"base64data=="}, out[0].Images)
}

func TestConvertMessagesPassesThroughPlainRoles(t *testing.T) {
	in := []agentapi.ChatMessage{
		{Role: "system", Content: "be concise"},
		{Role: "assistant", Content: "ok"},
	}
	out := convertMessages(in)
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Nil(t, out[0].Images)
}
