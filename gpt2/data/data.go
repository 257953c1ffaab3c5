// Package data loads finetuning datasets and samples training windows
// from them.
//
// A dataset is selected by a Spec -- either a Single path or Multiple paths
// with sampling weights -- and is loaded once into token chunks, from which
// a Sampler draws contiguous windows of tokens.
package data

import (
	"os"
	"os/user"
	"path"

	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// FileExists returns true if file or directory exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	panic(err)
}

// EnsureDir creates dir and any missing parents. It is idempotent: an
// already existing directory is not an error.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	return nil
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, _ := user.Current()
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1:])
}
