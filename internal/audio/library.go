package audio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Library stores one WAV file per recording in a directory. The reference
// handed out is the file path.
type Library struct {
	dir    string
	format Format
	logger *zap.SugaredLogger
}

// NewLibrary creates dir if needed.
func NewLibrary(dir string, format Format, logger *zap.SugaredLogger) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Library{dir: dir, format: format, logger: logger}, nil
}

// Dir returns the storage directory.
func (l *Library) Dir() string { return l.dir }

// Save encodes chunks as WAV and writes them to a new file.
func (l *Library) Save(ctx context.Context, chunks [][]byte) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	data, err := EncodeWAV(l.format, chunks)
	if err != nil {
		return "", 0, fmt.Errorf("encode wav: %w", err)
	}

	path := filepath.Join(l.dir, uuid.NewString()+".wav")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", 0, fmt.Errorf("write audio: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("rename audio: %w", err)
	}

	l.logger.Debugw("audio saved", "path", path, "bytes", len(data),
		"seconds", l.format.Duration(len(data)-headerSize))
	return path, int64(len(data)), nil
}
