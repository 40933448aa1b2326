package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"emoji-sticker-bot/internal/sticker"
)

const (
	DefaultModel = "gemini-2.5-flash-image"

	modalityImage          = "IMAGE"
	blockReasonUnspecified = "BLOCKED_REASON_UNSPECIFIED"
)

type Options struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// contentGenerator is the slice of *genai.Models the client needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models contentGenerator
	model  string
	logger *slog.Logger
}

func New(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is empty")
	}
	if opts.HTTPClient == nil {
		return nil, errors.New("http client is nil")
	}

	httpOpts := genai.HTTPOptions{APIVersion: strings.TrimSpace(opts.APIVersion)}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimRight(base, "/") + "/"
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      opts.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  opts.HTTPClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return newWithModels(gc.Models, opts.Model, opts.Logger), nil
}

func newWithModels(models contentGenerator, model string, logger *slog.Logger) *Client {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		models: models,
		model:  model,
		logger: logger,
	}
}

func (c *Client) Model() string {
	return c.model
}

// GenerateImage sends the portrait and prompt and returns the first inline
// image of the first candidate. A nil slice with a nil error means the model
// answered without an image.
func (c *Client) GenerateImage(ctx context.Context, image sticker.UploadedImage, prompt string) ([]byte, error) {
	out, err := c.Generate(ctx, image, prompt)
	if err != nil || out == nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Generate(ctx context.Context, image sticker.UploadedImage, prompt string) (*Output, error) {
	data, err := image.Bytes()
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		{InlineData: &genai.Blob{MIMEType: image.MimeType, Data: data}},
		genai.NewPartFromText(prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	resp, err := c.models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{modalityImage},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini generate content: %w", err)
	}

	return c.parseResponse(ctx, resp)
}

func (c *Client) parseResponse(ctx context.Context, resp *genai.GenerateContentResponse) (*Output, error) {
	if resp == nil {
		return nil, nil
	}

	if fb := resp.PromptFeedback; fb != nil {
		reason := string(fb.BlockReason)
		if reason != "" && reason != blockReasonUnspecified {
			return nil, &BlockedError{Reason: reason, Message: fb.BlockReasonMessage}
		}
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		c.logger.WarnContext(ctx, "gemini returned no candidates")
		return nil, nil
	}

	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &Output{Data: part.InlineData.Data, MimeType: part.InlineData.MIMEType}, nil
			}
		}
	}

	c.logger.WarnContext(ctx, "gemini response had no inline image", "finish_reason", string(candidate.FinishReason))
	return nil, nil
}
