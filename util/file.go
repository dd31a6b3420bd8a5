package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 10 * 1024 * 1024 // 10MB

// WriteBytesWithRestrictedPermission atomically writes bs to file. The parent directory is created when missing.
func WriteBytesWithRestrictedPermission(ctx context.Context, file string, bs []byte) error {
	dir, fileName, err := prepareFileDir(file)
	if err != nil {
		return fmt.Errorf("prepare file dir: %w", err)
	}

	return writeBytes(ctx, file, dir, fileName, bs)
}

// MoveFileAtomic renames src into place at dst, creating the destination directory if required.
func MoveFileAtomic(src, dst string) error {
	if _, _, err := prepareFileDir(dst); err != nil {
		return fmt.Errorf("prepare file dir: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return nil
}

// writeBytes writes bytes to a file using temp file + rename so readers never observe a partial write.
func writeBytes(ctx context.Context, file string, dir string, fileName string, bs []byte) error {
	if ctx.Err() != nil {
		return fmt.Errorf("write bytes start: %w", ctx.Err())
	}

	tempFile, err := os.CreateTemp(dir, ".*"+fileName)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	tempFileName := tempFile.Name()

	if err := os.Chmod(tempFileName, 0600); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempFileName)
		return fmt.Errorf("set temp file permissions: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := tempFile.SetDeadline(deadline); err != nil && !errors.Is(err, os.ErrNoDeadline) {
			log.Warnf("failed to set deadline: %v", err)
		}
	}

	defer func() {
		if _, err := os.Stat(tempFileName); err == nil {
			_ = os.Remove(tempFileName)
		}
	}()

	if _, err = tempFile.Write(bs); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err = tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync %s: %w", tempFileName, err)
	}

	if err = tempFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tempFileName, err)
	}

	if ctx.Err() != nil {
		return fmt.Errorf("after temp file: %w", ctx.Err())
	}

	if err = os.Rename(tempFileName, file); err != nil {
		return fmt.Errorf("move %s to %s: %w", tempFileName, file, err)
	}

	return nil
}

// ReadConfigFile reads a JSON or YAML file, chosen by extension, into a generic map.
// The size of the input file is limited to 10MB.
func ReadConfigFile(file string) (map[string]any, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bs) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: maximum size is %d bytes", maxConfigFileSize)
	}

	res := make(map[string]any)
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bs, &res); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", file, err)
		}
	default:
		if err := json.Unmarshal(bs, &res); err != nil {
			return nil, fmt.Errorf("parse json %s: %w", file, err)
		}
	}

	return res, nil
}

// RemoveFile removes the file if it exists
func RemoveFile(file string) error {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := os.Remove(file); err != nil {
		return fmt.Errorf("failed to remove file %s: %w", file, err)
	}

	return nil
}

// CopyFileContents copies contents of the given src reader to the dst file
func CopyFileContents(src io.Reader, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return
	}
	defer func() {
		cErr := out.Close()
		if err == nil {
			err = cErr
		}
	}()
	if _, err = io.Copy(out, src); err != nil {
		return
	}
	err = out.Sync()
	return
}

// EnsureDir creates dir with 0750 permissions if needed and checks it is writable.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	return os.Remove(name)
}

func prepareFileDir(file string) (string, string, error) {
	dir, fileName := filepath.Split(file)
	if dir == "" {
		return filepath.Dir(file), fileName, nil
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", "", err
	}

	return dir, fileName, nil
}
