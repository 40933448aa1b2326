package telegram

import (
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSplitByBytes(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitByBytes("short", 10))

	text := strings.Repeat("表情", 5) // 30 bytes
	parts := splitByBytes(text, 7)
	assert.Equal(t, text, strings.Join(parts, ""))
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 7)
		assert.True(t, utf8.ValidString(p))
	}
}

func TestTruncateByBytes(t *testing.T) {
	assert.Equal(t, "abc", truncateByBytes("abc", 5))
	assert.Equal(t, "表", truncateByBytes("表情包", 5))
	assert.Equal(t, "", truncateByBytes("表情包", 2))
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{HTTPClient: http.DefaultClient})
	assert.Error(t, err)

	_, err = New(Options{Token: "t"})
	assert.Error(t, err)
}
