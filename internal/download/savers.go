package download

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DirSaver writes each file into Dir, creating it when missing.
type DirSaver struct {
	Dir string
}

func (s DirSaver) Save(_ context.Context, name string, data []byte, _ string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return os.WriteFile(filepath.Join(s.Dir, filepath.Base(name)), data, 0o644)
}

// ZipSaver streams files into a single zip archive. Close must be called
// once all files are saved.
type ZipSaver struct {
	mu sync.Mutex
	zw *zip.Writer
}

func NewZipSaver(w io.Writer) *ZipSaver {
	return &ZipSaver{zw: zip.NewWriter(w)}
}

func (s *ZipSaver) Save(ctx context.Context, name string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// PNGs are already compressed.
	f, err := s.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
	if err != nil {
		return fmt.Errorf("zip entry: %w", err)
	}
	_, err = f.Write(data)
	return err
}

func (s *ZipSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zw.Close()
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, name string, data []byte, mimeType string) error

func (f SaverFunc) Save(ctx context.Context, name string, data []byte, mimeType string) error {
	return f(ctx, name, data, mimeType)
}
