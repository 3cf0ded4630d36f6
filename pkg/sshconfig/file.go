package sshconfig

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"sshsync/pkg/types"

	"go.uber.org/zap"
)

// DefaultPath returns the SSH client config of the given local account
func DefaultPath(userName string) string {
	if userName == "root" {
		return "/root/.ssh/config"
	}
	return filepath.Join("/home", userName, ".ssh", "config")
}

// File gives access to the synchronized config file on disk
type File struct {
	path   string
	logger *zap.Logger
}

// New creates a handle for the config file at path
func New(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, logger: logger}
}

func (f *File) Path() string {
	return f.path
}

// Ensure creates the config file if it does not exist yet. A new file is
// empty and stamped with the epoch so that any peer's copy wins. When
// running as root the new directory and file are handed to owner.
func (f *File) Ensure(owner string) (bool, error) {
	if _, err := os.Stat(f.path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	dir := filepath.Dir(f.path)
	_, dirErr := os.Stat(dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return false, fmt.Errorf("failed to create config file: %w", err)
	}
	if err := file.Close(); err != nil {
		return false, fmt.Errorf("failed to close config file: %w", err)
	}

	if err := f.ResetMtime(); err != nil {
		return false, err
	}

	if owner != "" {
		if os.IsNotExist(dirErr) {
			f.chown(dir, owner)
		}
		f.chown(f.path, owner)
	}

	f.logger.Info("Created config file", zap.String("path", f.path))
	return true, nil
}

// Read returns the current content and modification time
func (f *File) Read() (types.ConfigState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return types.ConfigState{}, fmt.Errorf("failed to read config file: %w", err)
	}

	mtime, err := f.Mtime()
	if err != nil {
		return types.ConfigState{}, err
	}

	return types.ConfigState{Conf: string(data), Mtime: mtime}, nil
}

// Mtime returns the modification time of the config file
func (f *File) Mtime() (time.Time, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	return info.ModTime(), nil
}

// Write replaces the content and stamps the file with exactly state.Mtime so
// every member reports the same timestamp for the same content.
func (f *File) Write(state types.ConfigState) error {
	perm := os.FileMode(0600)
	if info, err := os.Stat(f.path); err == nil {
		perm = info.Mode().Perm()
	}

	if err := os.WriteFile(f.path, []byte(state.Conf), perm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Chtimes(f.path, state.Mtime, state.Mtime); err != nil {
		return fmt.Errorf("failed to set config file mtime: %w", err)
	}
	return nil
}

// ResetMtime stamps the file with the epoch, forcing a full resync
func (f *File) ResetMtime() error {
	if err := os.Chtimes(f.path, types.Epoch, types.Epoch); err != nil {
		return fmt.Errorf("failed to reset config file mtime: %w", err)
	}
	return nil
}

func (f *File) chown(path, owner string) {
	if os.Geteuid() != 0 {
		return
	}

	u, err := user.Lookup(owner)
	if err != nil {
		f.logger.Warn("Cannot hand config to owner", zap.String("user", owner), zap.Error(err))
		return
	}
	uid, errU := strconv.Atoi(u.Uid)
	gid, errG := strconv.Atoi(u.Gid)
	if errU != nil || errG != nil {
		return
	}

	if err := os.Chown(path, uid, gid); err != nil {
		f.logger.Warn("Failed to chown", zap.String("path", path), zap.Error(err))
	}
}
