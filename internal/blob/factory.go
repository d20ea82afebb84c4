package blob

import (
	"context"
	"fmt"
	"strings"
)

// Options selects and configures a blob backend.
type Options struct {
	Driver Driver   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// Open constructs the backend named by opts.Driver. An empty driver selects
// the filesystem store.
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := Driver(strings.ToLower(strings.TrimSpace(string(opts.Driver))))
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(opts.FSRoot)
	case DriverS3:
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
	}
}
