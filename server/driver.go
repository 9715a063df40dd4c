package server

import (
	"context"
	"io"
	"io/fs"
	"net"
)

// Identity is an authenticated user as returned by an Authenticator.
type Identity struct {
	// Name is the account name, used in logs and the transfer log.
	Name string
	// Root is the sandbox root for the session. It must exist.
	Root string
	// ReadOnly rejects every command that modifies the filesystem.
	ReadOnly bool
	// Anonymous marks guest logins in the transfer log.
	Anonymous bool
}

// AuthRequest carries the credentials of a PASS command.
type AuthRequest struct {
	User     string
	Password string
	RemoteIP net.IP
}

// Authenticator checks credentials. It returns ErrAuthRejected (or any
// error) to refuse the login.
//
// Example:
//
//	auth := server.AuthenticatorFunc(func(ctx context.Context, req server.AuthRequest) (*server.Identity, error) {
//	    if req.User == "admin" && req.Password == "secret" {
//	        return &server.Identity{Name: "admin", Root: "/srv/ftp"}, nil
//	    }
//	    return nil, server.ErrAuthRejected
//	})
type Authenticator interface {
	Authenticate(ctx context.Context, req AuthRequest) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, req AuthRequest) (*Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, req AuthRequest) (*Identity, error) {
	return f(ctx, req)
}

// File is an open file handed to the transfer engine. *os.File satisfies it.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	Stat() (fs.FileInfo, error)
}

// FileSystem is the storage a session works on. Names are host paths
// produced by the PathResolver and therefore always inside the session's
// sandbox root.
//
// Errors should wrap fs.ErrNotExist, fs.ErrExist and fs.ErrPermission where
// they apply; the session turns them into 550 replies.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	OpenFile(name string, flag int, perm fs.FileMode) (File, error)
	// ReadDir returns the entries of a directory sorted by name.
	ReadDir(name string) ([]fs.FileInfo, error)
	Mkdir(name string, perm fs.FileMode) error
	// Remove deletes a file or an empty directory.
	Remove(name string) error
	Rename(oldname, newname string) error
	// Close is called when the session ends.
	Close() error
}

// FileSystemFactory opens the FileSystem for a freshly authenticated
// identity.
type FileSystemFactory func(id *Identity) (FileSystem, error)
