// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package file

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ct2vm/ct2vm-tools/toolkit/tools/internal/logger"
)

// PathExists checks whether a path (file, directory or broken symlink) exists.
func PathExists(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// IsFile checks whether the path exists and is a regular file.
func IsFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func DirExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CommandExists searches PATH for the given program.
func CommandExists(name string) (bool, error) {
	_, err := exec.LookPath(name)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func Read(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string(nil)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	err = scanner.Err()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// Write replaces the contents of a file, creating its parent directories when needed.
func Write(data string, path string) error {
	return WriteWithPerm(data, path, 0o644)
}

func WriteWithPerm(data string, path string, perm os.FileMode) error {
	err := CreateDestinationDir(path, 0o755)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(data), perm)
}

func WriteLines(lines []string, path string) error {
	return Write(strings.Join(lines, "\n")+"\n", path)
}

func Append(data string, path string) (err error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		closeErr := f.Close()
		if err == nil {
			err = closeErr
		}
	}()

	_, err = f.WriteString(data)
	return err
}

// WriteAtomic writes a file by renaming a fully written temporary file over it.
// Readers never observe a partially written file.
func WriteAtomic(data []byte, path string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err != nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}

	err = os.Chmod(tmpPath, perm)
	if err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

func RemoveFileIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file (%s):\n%w", path, err)
	}
	return nil
}

// CreateDestinationDir creates the parent directory of dst.
func CreateDestinationDir(dst string, dirFileMode os.FileMode) error {
	destDir := filepath.Dir(dst)
	err := os.MkdirAll(destDir, dirFileMode)
	if err != nil {
		return err
	}
	return nil
}

// Copy copies a file, keeping its permissions. The destination's parent directory is created if needed.
func Copy(src, dst string) error {
	logger.Log.Debugf("Copying (%s) to (%s)", src, dst)

	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file:\n%w", err)
	}
	defer srcFile.Close()

	srcFileInfo, err := srcFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to read source file info:\n%w", err)
	}

	if srcFileInfo.IsDir() {
		return fmt.Errorf("source (%s) is not a file", src)
	}

	err = CreateDestinationDir(dst, 0o755)
	if err != nil {
		return fmt.Errorf("failed to create destination directory (%s):\n%w", dst, err)
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, srcFileInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to create destination file:\n%w", err)
	}
	defer dstFile.Close()

	// OpenFile's permissions are subject to umask.
	err = dstFile.Chmod(srcFileInfo.Mode())
	if err != nil {
		return fmt.Errorf("failed to set destination file permissions:\n%w", err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy file:\n%w", err)
	}

	return dstFile.Close()
}

// RenameIfExists moves a file aside. It is a no-op if the source doesn't exist.
func RenameIfExists(src, dst string) (bool, error) {
	err := os.Rename(src, dst)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	logger.Log.Debugf("Renamed (%s) to (%s)", src, dst)
	return true, nil
}
