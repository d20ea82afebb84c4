package scan

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // accepted frame formats
	_ "image/png"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// DirectoryDevice replays image files from a directory as camera frames, in
// lexical file name order. It stands in for a camera on headless hosts.
type DirectoryDevice struct {
	Dir string
}

// RequestAccess implements Device. A missing or unreadable directory is
// reported the way a denied camera would be.
func (d DirectoryDevice) RequestAccess(ctx context.Context, _ Facing) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("open frame directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(d.Dir, e.Name()))
		}
	}
	slices.Sort(files)
	return &fileStream{files: files}, nil
}

type fileStream struct {
	mu       sync.Mutex
	files    []string
	next     int
	released bool
}

func (s *fileStream) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil, ErrStreamEnded
	}
	if s.next >= len(s.files) {
		s.mu.Unlock()
		return nil, ErrStreamEnded
	}
	path := s.files[s.next]
	s.next++
	s.mu.Unlock()

	f, err := os.Open(path) // #nosec G304 -- frames come from the operator-supplied directory
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		// Unreadable files are treated like blurry frames.
		return nil, ErrNoFrame
	}
	return img, nil
}

func (s *fileStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	return nil
}
