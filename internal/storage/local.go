package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a stored object does not exist.
var ErrNotFound = errors.New("not found")

// ErrTooLarge is returned when an upload exceeds its size limit.
var ErrTooLarge = errors.New("file exceeds size limit")

const recordExt = ".json"

// FileRecordStore keeps one JSON file per terminal job under a directory.
type FileRecordStore struct {
	dir string
}

// NewFileRecordStore creates the directory if needed.
func NewFileRecordStore(dir string) (*FileRecordStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job state directory: %w", err)
	}
	return &FileRecordStore{dir: dir}, nil
}

func (fs *FileRecordStore) path(jobID string) string {
	return filepath.Join(fs.dir, sanitizeFilename(jobID)+recordExt)
}

// Write replaces the record of jobID. The file is written to a temp name and
// renamed so a crash never leaves a half-written record.
func (fs *FileRecordStore) Write(_ context.Context, jobID string, data []byte) error {
	tmp, err := os.CreateTemp(fs.dir, ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write record %s: %w", jobID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close record %s: %w", jobID, err)
	}
	if err := os.Rename(tmp.Name(), fs.path(jobID)); err != nil {
		return fmt.Errorf("failed to save record %s: %w", jobID, err)
	}
	return nil
}

// ReadAll returns every stored record in file name order. Files that cannot
// be read are skipped; callers decide what to do with unparsable content.
func (fs *FileRecordStore) ReadAll(ctx context.Context) ([][]byte, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list job state directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([][]byte, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		data, err := os.ReadFile(filepath.Join(fs.dir, name))
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// Delete removes the record of jobID. Deleting a missing record is not an error.
func (fs *FileRecordStore) Delete(_ context.Context, jobID string) error {
	if err := os.Remove(fs.path(jobID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete record %s: %w", jobID, err)
	}
	return nil
}

// UploadedFile describes a payload saved to the upload directory.
type UploadedFile struct {
	Path string
	Hash string
	Size int64
}

// LocalStorage manages uploaded payloads and stage outputs on local disk.
type LocalStorage struct {
	uploadDir string
	outputDir string
}

// NewLocalStorage creates both directories if needed.
func NewLocalStorage(uploadDir, outputDir string) (*LocalStorage, error) {
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &LocalStorage{uploadDir: uploadDir, outputDir: outputDir}, nil
}

// UploadDir returns the directory payloads are saved to.
func (ls *LocalStorage) UploadDir() string { return ls.uploadDir }

// OutputDir returns the directory stage outputs are written to.
func (ls *LocalStorage) OutputDir() string { return ls.outputDir }

// SaveUpload streams r to a uniquely named file while hashing it. A maxBytes
// of zero or less disables the size limit. The partial file is removed on error.
func (ls *LocalStorage) SaveUpload(filename string, r io.Reader, maxBytes int64) (UploadedFile, error) {
	name := uuid.New().String()[:12] + "_" + sanitizeFilename(filename)
	dst := filepath.Join(ls.uploadDir, name)

	f, err := os.Create(dst)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("failed to create upload file: %w", err)
	}

	h := sha256.New()
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(io.MultiWriter(f, h), src)
	closeErr := f.Close()
	switch {
	case err != nil:
		os.Remove(dst)
		return UploadedFile{}, fmt.Errorf("failed to save upload: %w", err)
	case closeErr != nil:
		os.Remove(dst)
		return UploadedFile{}, fmt.Errorf("failed to save upload: %w", closeErr)
	case maxBytes > 0 && n > maxBytes:
		os.Remove(dst)
		return UploadedFile{}, ErrTooLarge
	}

	return UploadedFile{Path: dst, Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// AudioPath is where the preprocess stage writes a job's normalized audio.
func (ls *LocalStorage) AudioPath(jobID string) string {
	return filepath.Join(ls.outputDir, sanitizeFilename(jobID)+"_audio.wav")
}

// HashFile returns the hex SHA-256 of a file on disk.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sanitizeFilename strips directories and characters that are unsafe in file names.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	result := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if result == "." || result == ".." || result == "" {
		result = "file"
	}
	if len(result) > 100 {
		result = result[:100] // Limit length
	}
	return result
}
