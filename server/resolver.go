package server

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Path is a resolved client path.
type Path struct {
	// Virtual is the absolute, slash-separated path the client sees.
	Virtual string
	// Real is the host path, always inside the sandbox root.
	Real string
}

// Base returns the last element of the virtual path.
func (p Path) Base() string {
	return path.Base(p.Virtual)
}

// PathResolver confines client paths to one sandbox root.
type PathResolver struct {
	root string
	// canonical is root with symlinks evaluated, empty when the root is not
	// on the local disk.
	canonical string
}

// NewPathResolver returns a resolver for root. The root is made absolute.
func NewPathResolver(root string) (*PathResolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	r := &PathResolver{root: filepath.Clean(abs)}
	if canonical, err := filepath.EvalSymlinks(r.root); err == nil {
		r.canonical = canonical
	}
	return r, nil
}

// Root returns the sandbox root.
func (r *PathResolver) Root() string {
	return r.root
}

// Resolve maps arg, absolute or relative to the virtual directory cwd, to
// a Path. "." and ".." are applied segment by segment; a ".." above "/"
// fails with ErrPathEscape rather than being clamped. Symbolic links that
// point outside the root also fail with ErrPathEscape.
func (r *PathResolver) Resolve(cwd, arg string) (Path, error) {
	virtual, err := normalize(cwd, arg)
	if err != nil {
		return Path{}, err
	}

	real := r.root
	if virtual != "/" {
		real = filepath.Join(r.root, filepath.FromSlash(virtual[1:]))
	}

	if err := r.checkLinks(real); err != nil {
		return Path{}, err
	}
	return Path{Virtual: virtual, Real: real}, nil
}

// normalize joins arg onto cwd and collapses dot segments.
func normalize(cwd, arg string) (string, error) {
	arg = strings.ReplaceAll(arg, "\\", "/")

	var segments []string
	if !strings.HasPrefix(arg, "/") {
		for _, s := range strings.Split(cwd, "/") {
			if s != "" {
				segments = append(segments, s)
			}
		}
	}

	for _, s := range strings.Split(arg, "/") {
		switch s {
		case "", ".":
		case "..":
			if len(segments) == 0 {
				return "", ErrPathEscape
			}
			segments = segments[:len(segments)-1]
		default:
			segments = append(segments, s)
		}
	}
	return "/" + strings.Join(segments, "/"), nil
}

// checkLinks finds the deepest existing ancestor of real (real itself
// included) and verifies that it, with links evaluated, is still under the
// canonical root. A dangling link is judged by its literal target.
func (r *PathResolver) checkLinks(real string) error {
	if r.canonical == "" {
		return nil
	}

	probe := real
	for {
		info, err := os.Lstat(probe)
		if err == nil {
			resolved, err := r.evalLink(probe, info)
			if err != nil {
				// Unreadable component; the filesystem reports it on use.
				return nil
			}
			if !within(r.canonical, resolved) {
				return ErrPathEscape
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) || probe == r.root {
			return nil
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return nil
		}
		probe = parent
	}
}

func (r *PathResolver) evalLink(p string, info fs.FileInfo) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil || info.Mode()&fs.ModeSymlink == 0 {
		return resolved, err
	}

	target, err := os.Readlink(p)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target), nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(p))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, target), nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
