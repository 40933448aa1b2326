package generation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"

	"emoji-sticker-bot/internal/gemini"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"structured 429", fmt.Errorf("gemini generate content: %w", genai.APIError{Code: 429, Message: "slow down"}), KindRateLimited},
		{"structured resource exhausted", genai.APIError{Code: 400, Status: "RESOURCE_EXHAUSTED"}, KindRateLimited},
		{"quota text", errors.New("you exceeded your current quota"), KindRateLimited},
		{"429 text", errors.New("HTTP 429 Too Many Requests"), KindRateLimited},
		{"blocked error", fmt.Errorf("wrap: %w", &gemini.BlockedError{Reason: "SAFETY"}), KindContentBlocked},
		{"blocked text", errors.New("the prompt was blocked by policy"), KindContentBlocked},
		{"other api error", genai.APIError{Code: 500, Status: "INTERNAL", Message: "oops"}, KindGenerationFailed},
		{"plain error", errors.New("connection reset"), KindGenerationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("开心", tt.err)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, "开心", got.Expression)
			assert.Equal(t, tt.err, got.Err)
		})
	}
}

func TestClassify_Messages(t *testing.T) {
	got := Classify("开心", errors.New("connection reset"))
	assert.Equal(t, `生成 "开心" 时出错: connection reset`, got.Message)

	got = Classify("开心", errors.New(""))
	assert.Equal(t, `生成 "开心" 时出错，请重试或检查图片。`, got.Message)

	got = Classify("惊讶", errors.New("quota"))
	assert.Contains(t, got.Message, "速率限制")

	got = Classify("惊讶", &gemini.BlockedError{})
	assert.Contains(t, got.Message, `"惊讶"`)
	assert.Contains(t, got.Message, "安全设置")
}

func TestRunError_Error(t *testing.T) {
	e := newMissingImage()
	assert.Equal(t, "missing_image: 请先上传一张图片。", e.Error())
	assert.Nil(t, e.Unwrap())
}
