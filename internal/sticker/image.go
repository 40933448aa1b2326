package sticker

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// UploadedImage is the portrait every sticker in a run is generated from.
type UploadedImage struct {
	Data     string // base64, no data URL prefix
	MimeType string
}

func (img UploadedImage) DataURL() string {
	return fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Data)
}

func (img UploadedImage) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return b, nil
}

// DecodeUpload reads an uploaded file. ok is false when the declared type is
// not an image; callers treat that as a silent no-op and keep their previous
// image.
func DecodeUpload(r io.Reader, declaredType string) (img UploadedImage, ok bool, err error) {
	if r == nil {
		return UploadedImage{}, false, errors.New("nil reader")
	}

	mimeType := normalizeMime(declaredType)
	if mimeType != "" && mimeType != "application/octet-stream" && !IsImageMime(mimeType) {
		return UploadedImage{}, false, nil
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return UploadedImage{}, false, fmt.Errorf("read upload: %w", err)
	}

	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMime(http.DetectContentType(raw))
	}
	if !IsImageMime(mimeType) {
		return UploadedImage{}, false, nil
	}

	return UploadedImage{
		Data:     base64.StdEncoding.EncodeToString(raw),
		MimeType: mimeType,
	}, true, nil
}

func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(normalizeMime(mimeType), "image/")
}

func normalizeMime(value string) string {
	value = strings.TrimSpace(value)
	if idx := strings.IndexByte(value, ';'); idx >= 0 {
		value = strings.TrimSpace(value[:idx])
	}
	return strings.ToLower(value)
}

// ParseDataURL splits a data URL into its MIME type and base64 payload. A
// bare base64 string is accepted and reported as image/png.
func ParseDataURL(value string) (mimeType string, base64Data string, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", "", errors.New("empty data url")
	}

	const prefix = "data:"
	if !strings.HasPrefix(value, prefix) {
		return "image/png", value, nil
	}

	parts := strings.SplitN(value, ",", 2)
	if len(parts) != 2 {
		return "", "", errors.New("invalid data url")
	}

	meta := strings.TrimPrefix(parts[0], prefix)
	mimeType = strings.TrimSpace(strings.Split(meta, ";")[0])
	if mimeType == "" {
		mimeType = "image/png"
	}
	return mimeType, parts[1], nil
}
