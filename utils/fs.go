package utils

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// PartSuffix is appended to the output path while a download is in progress
const PartSuffix = ".part"

// FileOperations provides file system utilities on top of an afero filesystem
type FileOperations struct {
	fs afero.Fs
}

// NewFileOperations creates a FileOperations instance. A nil fs uses the OS filesystem.
func NewFileOperations(fs afero.Fs) *FileOperations {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileOperations{fs: fs}
}

// Fs returns the underlying filesystem
func (f *FileOperations) Fs() afero.Fs {
	return f.fs
}

// EnsureDir creates the parent directory of path if it doesn't exist
func (f *FileOperations) EnsureDir(path string) error {
	return f.fs.MkdirAll(filepath.Dir(path), 0755)
}

// FileExists checks if a file exists
func (f *FileOperations) FileExists(path string) bool {
	exists, err := afero.Exists(f.fs, path)
	return err == nil && exists
}

// GetFileSize returns the size of a file
func (f *FileOperations) GetFileSize(path string) (int64, error) {
	info, err := f.fs.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// AtomicRename moves a finished download into place
func (f *FileOperations) AtomicRename(oldPath, newPath string) error {
	return f.fs.Rename(oldPath, newPath)
}

// Remove deletes a file, ignoring files that are already gone
func (f *FileOperations) Remove(path string) error {
	if err := f.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DetectPartialDownload checks if a partial download exists and returns its size
func (f *FileOperations) DetectPartialDownload(outputPath string) (bool, int64, error) {
	info, err := f.fs.Stat(outputPath + PartSuffix)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	return true, info.Size(), nil
}

// ValidatePartialFile checks if a partial file is valid for resuming
func (f *FileOperations) ValidatePartialFile(partPath string, expectedSize int64) error {
	info, err := f.fs.Stat(partPath)
	if err != nil {
		return err
	}

	if expectedSize > 0 && info.Size() > expectedSize {
		return fmt.Errorf("partial file size (%d) exceeds expected size (%d)", info.Size(), expectedSize)
	}

	file, err := f.fs.OpenFile(partPath, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("cannot access partial file: %w", err)
	}
	return file.Close()
}

// OpenPartialFile opens the .part file for writing. With resume set, writes are
// appended; otherwise the file is truncated.
func (f *FileOperations) OpenPartialFile(partPath string, resume bool) (afero.File, error) {
	if err := f.EnsureDir(partPath); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := f.fs.OpenFile(partPath, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}
	return file, nil
}

// ReadFile reads a whole file
func (f *FileOperations) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(f.fs, path)
}

// WriteFileAtomic writes data next to path and renames it into place
func (f *FileOperations) WriteFileAtomic(path string, data []byte) error {
	if err := f.EnsureDir(path); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, data, 0644); err != nil {
		return err
	}
	return f.fs.Rename(tmp, path)
}
