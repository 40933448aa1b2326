package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"emoji-sticker-bot/internal/sticker"
)

type fakeModels struct {
	resp *genai.GenerateContentResponse
	err  error

	gotModel    string
	gotContents []*genai.Content
	gotConfig   *genai.GenerateContentConfig
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	f.gotContents = contents
	f.gotConfig = config
	return f.resp, f.err
}

func portrait() sticker.UploadedImage {
	return sticker.UploadedImage{
		Data:     base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		MimeType: "image/jpeg",
	}
}

func imageResponse(data string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "here you go"},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte(data)}},
				{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte("second")}},
			}},
		}},
	}
}

func TestClient_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("sends image then prompt with image-only modality", func(t *testing.T) {
		models := &fakeModels{resp: imageResponse("png")}
		c := newWithModels(models, "", nil)

		out, err := c.Generate(ctx, portrait(), "make it happy")
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, []byte("png"), out.Data)

		assert.Equal(t, DefaultModel, models.gotModel)
		require.Len(t, models.gotContents, 1)
		parts := models.gotContents[0].Parts
		require.Len(t, parts, 2)
		require.NotNil(t, parts[0].InlineData)
		assert.Equal(t, "image/jpeg", parts[0].InlineData.MIMEType)
		assert.Equal(t, []byte("jpeg-bytes"), parts[0].InlineData.Data)
		assert.Equal(t, "make it happy", parts[1].Text)
		assert.Equal(t, []string{"IMAGE"}, models.gotConfig.ResponseModalities)
	})

	t.Run("no inline image is not an error", func(t *testing.T) {
		models := &fakeModels{resp: &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{{
				Content:      &genai.Content{Parts: []*genai.Part{{Text: "sorry"}}},
				FinishReason: genai.FinishReasonSafety,
			}},
		}}
		c := newWithModels(models, "custom-model", nil)

		data, err := c.GenerateImage(ctx, portrait(), "p")
		require.NoError(t, err)
		assert.Nil(t, data)
		assert.Equal(t, "custom-model", models.gotModel)
	})

	t.Run("no candidates is not an error", func(t *testing.T) {
		c := newWithModels(&fakeModels{resp: &genai.GenerateContentResponse{}}, "", nil)
		data, err := c.GenerateImage(ctx, portrait(), "p")
		require.NoError(t, err)
		assert.Nil(t, data)
	})

	t.Run("blocked prompt becomes BlockedError", func(t *testing.T) {
		models := &fakeModels{resp: &genai.GenerateContentResponse{
			PromptFeedback: &genai.GenerateContentResponsePromptFeedback{
				BlockReason:        genai.BlockedReason("SAFETY"),
				BlockReasonMessage: "unsafe",
			},
		}}
		c := newWithModels(models, "", nil)

		_, err := c.GenerateImage(ctx, portrait(), "p")
		var blocked *BlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, "SAFETY", blocked.Reason)
		assert.Contains(t, err.Error(), "prompt was blocked")
	})

	t.Run("transport errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		c := newWithModels(&fakeModels{err: boom}, "", nil)

		_, err := c.GenerateImage(ctx, portrait(), "p")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("invalid base64 fails before calling the API", func(t *testing.T) {
		models := &fakeModels{resp: imageResponse("png")}
		c := newWithModels(models, "", nil)

		_, err := c.GenerateImage(ctx, sticker.UploadedImage{Data: "%%%", MimeType: "image/png"}, "p")
		assert.Error(t, err)
		assert.Empty(t, models.gotModel)
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)

	_, err = New(context.Background(), Options{APIKey: "k"})
	assert.Error(t, err, "http client is required")
}
