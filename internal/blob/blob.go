package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store keeps uploaded attachments on the local filesystem and hands out
// opaque refs. Refs are uuid-based with the original extension preserved,
// so task fields and log entries carry a short stable token.
type Store struct {
	baseDir string
	logger  *zap.Logger
}

var ErrNotFound = errors.New("not found")

var refPattern = regexp.MustCompile(`^[a-f0-9-]{36}(\.[A-Za-z0-9]{1,10})?$`)

func NewStore(baseDir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{baseDir: baseDir, logger: logger}
}

// Put stores content and returns its ref. filename only contributes the
// extension; the stored name is generated.
func (s *Store) Put(filename string, content []byte) (string, error) {
	ext := filepath.Ext(filename)
	if len(ext) > 11 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	ref := uuid.NewString() + ext
	path, err := s.refPath(ref)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error("create attachment dir failed", zap.String("path", filepath.Dir(path)), zap.Error(err))
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		s.logger.Error("write attachment failed", zap.String("ref", ref), zap.Error(err))
		return "", fmt.Errorf("write attachment: %w", err)
	}
	s.logger.Debug("attachment stored", zap.String("ref", ref), zap.Int("size", len(content)))
	return ref, nil
}

// Get returns the content stored under ref.
func (s *Store) Get(ref string) ([]byte, error) {
	path, err := s.refPath(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Exists reports whether ref resolves to a stored attachment. A ref that
// fails shape validation cannot exist and is not an error.
func (s *Store) Exists(ref string) (bool, error) {
	if !refPattern.MatchString(ref) {
		return false, nil
	}
	path, err := s.refPath(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// refPath validates ref shape and resolves it under baseDir. The pattern
// check plus the prefix check keep traversal out.
func (s *Store) refPath(ref string) (string, error) {
	if !refPattern.MatchString(ref) {
		return "", fmt.Errorf("invalid attachment ref %q", ref)
	}
	absBase, err := filepath.Abs(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	path := filepath.Join(absBase, ref)
	if !strings.HasPrefix(path, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment ref escapes base dir: %q", ref)
	}
	return path, nil
}
