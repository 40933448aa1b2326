package download

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"emoji-sticker-bot/internal/sticker"
)

// Saver hands one file to the user. Dispatch does not wait for anything
// beyond Save returning.
type Saver interface {
	Save(ctx context.Context, name string, data []byte, mimeType string) error
}

type Options struct {
	Saver  Saver
	Logger *slog.Logger
}

type Dispatcher struct {
	saver  Saver
	logger *slog.Logger
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Saver == nil {
		return nil, errors.New("saver is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{saver: opts.Saver, logger: logger}, nil
}

// FileName is the 1-based download name for the image at position i.
func FileName(i int) string {
	return fmt.Sprintf("emoji-%d.png", i+1)
}

// Dispatch saves every URL in order as emoji-1.png, emoji-2.png, ... and
// returns the number of files handed to the saver. An empty selection is a
// no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, urls []string) (int, error) {
	for i, url := range urls {
		mimeType, b64, err := sticker.ParseDataURL(url)
		if err != nil {
			return i, fmt.Errorf("image %d: %w", i+1, err)
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return i, fmt.Errorf("image %d: decode base64: %w", i+1, err)
		}

		name := FileName(i)
		if err := d.saver.Save(ctx, name, data, mimeType); err != nil {
			return i, fmt.Errorf("save %s: %w", name, err)
		}
		d.logger.DebugContext(ctx, "image dispatched", "name", name, "bytes", len(data))
	}
	return len(urls), nil
}
