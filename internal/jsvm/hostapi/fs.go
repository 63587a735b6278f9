package hostapi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/dustin/go-humanize"

	"codebox/internal/execerr"
)

// newFS builds codebox.fs. Every path is resolved and checked against the
// granted roots before it is touched.
func newFS(vm *goja.Runtime, hctx *Context) (*goja.Object, error) {
	fsObj := vm.NewObject()
	roots := hctx.Capabilities.AllowedPaths
	maxWrite := hctx.Capabilities.MaxWriteSize

	readOnly(vm, fsObj, "read", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 1, "path is")
		absPath, err := ResolvePath(call.Arguments[0].String(), roots)
		if err != nil {
			throw(vm, "%v", err)
		}

		content, err := os.ReadFile(absPath)
		if errors.Is(err, os.ErrNotExist) {
			return goja.Null()
		}
		if err != nil {
			throw(vm, "read failed: %v", err)
		}
		return vm.ToValue(string(content))
	})

	readOnly(vm, fsObj, "write", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 2, "path and content are")
		absPath, err := ResolvePath(call.Arguments[0].String(), roots)
		if err != nil {
			throw(vm, "%v", err)
		}

		content := call.Arguments[1].String()
		if maxWrite > 0 && int64(len(content)) > maxWrite {
			throw(vm, "content exceeds max write size of %s", humanize.IBytes(uint64(maxWrite)))
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			throw(vm, "create directory: %v", err)
		}
		if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
			throw(vm, "write failed: %v", err)
		}
		return goja.Undefined()
	})

	readOnly(vm, fsObj, "exists", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 1, "path is")
		absPath, err := ResolvePath(call.Arguments[0].String(), roots)
		if err != nil {
			// outside the roots reads as absent
			return vm.ToValue(false)
		}
		_, err = os.Stat(absPath)
		return vm.ToValue(err == nil)
	})

	readOnly(vm, fsObj, "list", func(call goja.FunctionCall) goja.Value {
		requireArgs(vm, call, 1, "path is")
		absPath, err := ResolvePath(call.Arguments[0].String(), roots)
		if err != nil {
			throw(vm, "%v", err)
		}

		entries, err := os.ReadDir(absPath)
		if errors.Is(err, os.ErrNotExist) {
			return vm.NewArray()
		}
		if err != nil {
			throw(vm, "list failed: %v", err)
		}

		names := make([]any, 0, len(entries))
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return vm.NewArray(names...)
	})

	return fsObj, nil
}

// ResolvePath returns the absolute, symlink-resolved form of path if it lies
// under one of roots. A path that does not exist yet is judged by its nearest
// existing ancestor. An empty roots list allows nothing.
func ResolvePath(path string, roots []string) (string, error) {
	denied := &execerr.PathNotAllowedError{Path: path}
	if len(roots) == 0 || path == "" {
		return "", denied
	}

	absPath, err := absolute(path)
	if err != nil {
		return "", denied
	}
	realPath, err := resolveExisting(absPath)
	if err != nil {
		return "", denied
	}

	for _, root := range roots {
		absRoot, err := absolute(root)
		if err != nil {
			continue
		}
		realRoot, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			realRoot = absRoot
		}
		if within(realPath, realRoot) {
			return realPath, nil
		}
	}
	return "", denied
}

func absolute(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-appends the missing tail.
func resolveExisting(path string) (string, error) {
	var tail []string
	cur := path
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				real = filepath.Join(real, tail[i])
			}
			return real, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func within(path, root string) bool {
	if path == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
