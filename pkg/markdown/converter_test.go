package markdown

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToTelegramHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "plain", input: "hello there", expected: "hello there"},
		{name: "emphasis", input: "**bold** and *it*", expected: "<b>bold</b> and <i>it</i>"},
		{name: "inline code", input: "run `make`", expected: "run <code>make</code>"},
		{name: "heading", input: "# Title", expected: "<b>Title</b>"},
		{name: "link", input: "[site](https://example.com)", expected: `<a href="https://example.com">site</a>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ToTelegramHTML(tt.input))
		})
	}
}

func TestToTelegramHTML_CodeBlock(t *testing.T) {
	got := ToTelegramHTML("```go\nfmt.Println(1)\n```")
	assert.Contains(t, got, "<pre>fmt.Println(1)")
	assert.NotContains(t, got, "<code")
}

func TestToTelegramHTML_List(t *testing.T) {
	got := ToTelegramHTML("- one\n- two")
	assert.Contains(t, got, "• one")
	assert.Contains(t, got, "• two")
	assert.NotContains(t, got, "<li>")
	assert.NotContains(t, got, "<ul>")
}
