package utils

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"syscall"
)

var safeFilenameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// ValidateFilename rejects names that could escape a directory or be interpreted by a shell.
func ValidateFilename(name string) error {
	if name == "" {
		return errors.New("filename is empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("filename %q is not allowed", name)
	}
	if !safeFilenameRegex.MatchString(name) {
		return fmt.Errorf("filename %q contains forbidden characters", name)
	}
	return nil
}

// CopyFile copies a file from src to dst. It returns an error if any occurs during the copy.
func CopyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destinationFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destinationFile.Close()

	if _, err = io.Copy(destinationFile, sourceFile); err != nil {
		return err
	}

	return destinationFile.Sync()
}

// MoveFile tries os.Rename and falls back to copy+delete on EXDEV.
func MoveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if err := CopyFile(src, dst); err != nil {
			return err
		}
		return os.Remove(src)
	}
	return err
}

// RemoveIO removes dir and optionally its content. Errors can be ignored, for example if the dir does not exist.
func RemoveIO(dir string, recursive, ignoreError bool) error {
	var err error
	if recursive {
		err = os.RemoveAll(dir)
	} else {
		err = os.Remove(dir)
	}

	if ignoreError {
		return nil
	}
	return err
}

// CreateFileTarArchive streams a tar archive holding the single file srcPath stored under nameInArchive.
func CreateFileTarArchive(srcPath, nameInArchive string) (io.ReadCloser, error) {
	file, err := os.Open(srcPath)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", srcPath)
	}

	pipeReader, pipeWriter := io.Pipe()

	go func() {
		defer file.Close()

		tarWriter := tar.NewWriter(pipeWriter)
		header := &tar.Header{
			Name:    nameInArchive,
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			pipeWriter.CloseWithError(err)
			return
		}
		if _, err := io.Copy(tarWriter, file); err != nil {
			pipeWriter.CloseWithError(err)
			return
		}
		pipeWriter.CloseWithError(tarWriter.Close())
	}()

	return pipeReader, nil
}
