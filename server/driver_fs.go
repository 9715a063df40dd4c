package server

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// osFileSystem implements FileSystem on the local disk.
//
// Every operation goes through an os.Root opened on the sandbox root, so the
// kernel refuses to follow links out of it even if a link is created between
// path resolution and use.
type osFileSystem struct {
	root     *os.Root
	path     string
	readOnly bool
}

// NewOSFileSystem opens root. With readOnly set, every mutating call fails
// with fs.ErrPermission.
func NewOSFileSystem(root string, readOnly bool) (FileSystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", abs)
	}

	r, err := os.OpenRoot(abs)
	if err != nil {
		return nil, err
	}
	return &osFileSystem{root: r, path: filepath.Clean(abs), readOnly: readOnly}, nil
}

// OSFileSystemFactory opens an os.Root-backed FileSystem for each identity.
func OSFileSystemFactory(id *Identity) (FileSystem, error) {
	return NewOSFileSystem(id.Root, id.ReadOnly)
}

// rel converts a host path under the root into a root-relative name.
func (f *osFileSystem) rel(name string) (string, error) {
	rel, err := filepath.Rel(f.path, filepath.Clean(name))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return rel, nil
}

func (f *osFileSystem) Stat(name string) (fs.FileInfo, error) {
	rel, err := f.rel(name)
	if err != nil {
		return nil, err
	}
	return f.root.Stat(rel)
}

func (f *osFileSystem) OpenFile(name string, flag int, perm fs.FileMode) (File, error) {
	if f.readOnly && flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE|os.O_TRUNC|os.O_APPEND) != 0 {
		return nil, fs.ErrPermission
	}
	rel, err := f.rel(name)
	if err != nil {
		return nil, err
	}
	file, err := f.root.OpenFile(rel, flag, perm)
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (f *osFileSystem) ReadDir(name string) ([]fs.FileInfo, error) {
	rel, err := f.rel(name)
	if err != nil {
		return nil, err
	}

	d, err := f.root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	entries, err := d.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	infos := make([]fs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil {
			infos = append(infos, info)
		}
	}
	slices.SortFunc(infos, func(a, b fs.FileInfo) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return infos, nil
}

func (f *osFileSystem) Mkdir(name string, perm fs.FileMode) error {
	if f.readOnly {
		return fs.ErrPermission
	}
	rel, err := f.rel(name)
	if err != nil {
		return err
	}
	return f.root.Mkdir(rel, perm)
}

func (f *osFileSystem) Remove(name string) error {
	if f.readOnly {
		return fs.ErrPermission
	}
	rel, err := f.rel(name)
	if err != nil {
		return err
	}
	if rel == "." {
		return fs.ErrPermission
	}
	return f.root.Remove(rel)
}

func (f *osFileSystem) Rename(oldname, newname string) error {
	if f.readOnly {
		return fs.ErrPermission
	}
	from, err := f.rel(oldname)
	if err != nil {
		return err
	}
	to, err := f.rel(newname)
	if err != nil {
		return err
	}
	if from == "." || to == "." {
		return fs.ErrPermission
	}
	return f.root.Rename(from, to)
}

func (f *osFileSystem) Close() error {
	return f.root.Close()
}

// AnonymousAuthenticator accepts the "anonymous" and "ftp" accounts with any
// password and confines them to root.
func AnonymousAuthenticator(root string, readOnly bool) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, req AuthRequest) (*Identity, error) {
		if !IsAnonymousUser(req.User) {
			return nil, ErrAuthRejected
		}
		return &Identity{
			Name:      req.User,
			Root:      root,
			ReadOnly:  readOnly,
			Anonymous: true,
		}, nil
	})
}

// IsAnonymousUser reports whether user is one of the guest account names.
func IsAnonymousUser(user string) bool {
	switch strings.ToLower(user) {
	case "anonymous", "ftp":
		return true
	}
	return false
}
