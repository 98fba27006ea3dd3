package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalFileSystem roots all paths at a data directory on local disk.
type LocalFileSystem struct {
	root string
}

// NewLocalFileSystem creates the root directory if needed.
func NewLocalFileSystem(root string) (*LocalFileSystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalFileSystem{root: root}, nil
}

func (l *LocalFileSystem) full(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *LocalFileSystem) OpenInput(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(l.full(path))
}

func (l *LocalFileSystem) OpenOutput(_ context.Context, path string) (io.WriteCloser, error) {
	return os.Create(l.full(path))
}

func (l *LocalFileSystem) CreateDir(path string, recursive bool) error {
	if recursive {
		return os.MkdirAll(l.full(path), 0o755)
	}
	return os.Mkdir(l.full(path), 0o755)
}

func (l *LocalFileSystem) GetFileInfo(_ context.Context, path string) (FileInfo, error) {
	info, err := os.Stat(l.full(path))
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: path, Size: info.Size(), IsDir: info.IsDir()}, nil
}

func (l *LocalFileSystem) List(_ context.Context, dir string, recursive, allowNotFound bool) ([]FileInfo, error) {
	base := l.full(dir)

	if !recursive {
		entries, err := os.ReadDir(base)
		if err != nil {
			if allowNotFound && errors.Is(err, fs.ErrNotExist) {
				return nil, nil
			}
			return nil, err
		}
		infos := make([]FileInfo, 0, len(entries))
		for _, entry := range entries {
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			infos = append(infos, FileInfo{
				Path:  filepath.ToSlash(filepath.Join(dir, entry.Name())),
				Size:  fi.Size(),
				IsDir: entry.IsDir(),
			})
		}
		return infos, nil
	}

	var infos []FileInfo
	err := filepath.WalkDir(base, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		fi, err := entry.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return nil
		}
		infos = append(infos, FileInfo{Path: filepath.ToSlash(rel), Size: fi.Size()})
		return nil
	})
	if err != nil {
		if allowNotFound && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return infos, nil
}
