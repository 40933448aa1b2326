package generation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"emoji-sticker-bot/internal/gemini"
)

type ErrorKind string

const (
	KindMissingImage      ErrorKind = "missing_image"
	KindMissingExpression ErrorKind = "missing_expression"
	KindRateLimited       ErrorKind = "rate_limited"
	KindContentBlocked    ErrorKind = "content_blocked"
	KindGenerationFailed  ErrorKind = "generation_failed"
	KindNothingProduced   ErrorKind = "nothing_produced"
)

var ErrRunInProgress = errors.New("generation run already in progress")

// RunError is the single user-visible error of a run.
type RunError struct {
	Kind       ErrorKind
	Expression string
	Message    string
	Err        error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func newMissingImage() *RunError {
	return &RunError{Kind: KindMissingImage, Message: "请先上传一张图片。"}
}

func newMissingExpression() *RunError {
	return &RunError{Kind: KindMissingExpression, Message: "请至少选择或输入一个表情。"}
}

func newNothingProduced() *RunError {
	return &RunError{Kind: KindNothingProduced, Message: "无法生成图片。这可能是因为网络问题或输入图片不兼容。请稍后重试。"}
}

// Classify maps a failed remote call to a RunError. Structured API errors are
// checked first; the serialized error text is the fallback.
func Classify(expression string, err error) *RunError {
	switch {
	case isRateLimited(err):
		return &RunError{
			Kind:       KindRateLimited,
			Expression: expression,
			Message:    "请求过于频繁，已触发API速率限制。请减少选择的表情数量或稍后再试。",
			Err:        err,
		}
	case isContentBlocked(err):
		return &RunError{
			Kind:       KindContentBlocked,
			Expression: expression,
			Message:    fmt.Sprintf("生成 \"%s\" 的请求因安全设置被拦截。请尝试使用不同的表情或风格。", expression),
			Err:        err,
		}
	}

	msg := fmt.Sprintf("生成 \"%s\" 时出错，请重试或检查图片。", expression)
	if err != nil {
		if text := strings.TrimSpace(err.Error()); text != "" {
			msg = fmt.Sprintf("生成 \"%s\" 时出错: %s", expression, text)
		}
	}
	return &RunError{Kind: KindGenerationFailed, Expression: expression, Message: msg, Err: err}
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := asAPIError(err); ok {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return true
		}
	}
	text := err.Error()
	return strings.Contains(text, "429") ||
		strings.Contains(text, "RESOURCE_EXHAUSTED") ||
		strings.Contains(text, "quota")
}

func isContentBlocked(err error) bool {
	if err == nil {
		return false
	}
	var blocked *gemini.BlockedError
	if errors.As(err, &blocked) {
		return true
	}
	return strings.Contains(err.Error(), "prompt was blocked")
}

func asAPIError(err error) (genai.APIError, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return *apiErrPtr, true
	}
	return genai.APIError{}, false
}
