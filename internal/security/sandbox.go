package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"medrouter/internal/domain"
)

// Sandbox confines context export and import files to one directory.
type Sandbox struct {
	root string // absolute, symlink-free
}

// NewSandbox creates the directory if needed and roots a sandbox there.
func NewSandbox(root string) (*Sandbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for sandbox root: %w", err)
	}
	return &Sandbox{root: resolved}, nil
}

// Resolve maps name to an absolute path inside the sandbox. Relative names
// are taken relative to the root. Symlinks are followed before the check, so
// a link pointing outside the root is rejected.
func (s *Sandbox) Resolve(name string) (string, error) {
	if name == "" {
		return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrInvalidInput, "empty path")
	}
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		// Not created yet: the parent decides.
		parent, perr := filepath.EvalSymlinks(filepath.Dir(p))
		if perr != nil {
			return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideRoot, perr.Error())
		}
		resolved = filepath.Join(parent, filepath.Base(p))
	}

	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(os.PathSeparator)) {
		return "", domain.NewDomainError("Sandbox.Resolve", domain.ErrPathOutsideRoot,
			fmt.Sprintf("%q is outside %q", resolved, s.root))
	}
	return resolved, nil
}

// Root returns the sandbox directory.
func (s *Sandbox) Root() string { return s.root }
