// Package builtin provides the filesystem, shell and web tools registered by default.
package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/keel/pkg/tools"
)

// Options configures builtin tools.
type Options struct {
	// Root resolves relative paths. Defaults to the process working directory.
	Root string
	// HTTPTimeout bounds web_fetch requests.
	HTTPTimeout time.Duration
}

// All returns every builtin tool.
func All(opts Options) ([]tools.Tool, error) {
	if opts.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		opts.Root = wd
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 20 * time.Second
	}

	return []tools.Tool{
		ReadFile(opts),
		WriteFile(opts),
		EditFile(opts),
		ListFiles(opts),
		Exec(opts),
		WebFetch(opts),
	}, nil
}

// Register adds every builtin tool to reg, passing each through wrap first.
func Register(reg *tools.Registry, opts Options, wrap func(tools.Tool) tools.Tool) error {
	all, err := All(opts)
	if err != nil {
		return err
	}
	for _, t := range all {
		if wrap != nil {
			t = wrap(t)
		}
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", t.Spec().Name, err)
		}
	}
	return nil
}

func ReadFile(opts Options) tools.Tool {
	return tools.New(tools.Spec{
		Name:        "read_file",
		Description: "Read a text file.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path, absolute or relative to the working directory", Required: true},
			{Name: "max_bytes", Type: "integer", Description: "Maximum bytes to read (default 200000)", Default: 200000},
		},
	}, func(_ context.Context, args map[string]any) (tools.Result, error) {
		target := resolve(opts.Root, stringArg(args, "path"))
		limit := int64(200000)
		if n, ok := numberArg(args, "max_bytes"); ok && n > 0 {
			limit = int64(n)
		}

		data, truncated, err := readFileWithLimit(target, limit)
		if errors.Is(err, os.ErrNotExist) {
			return tools.Errorf("file not found: %s", stringArg(args, "path")), nil
		}
		if err != nil {
			return tools.Result{}, err
		}
		content := string(data)
		if truncated {
			content += "\n... [file truncated]"
		}
		return tools.OK(content), nil
	})
}

func WriteFile(opts Options) tools.Tool {
	return tools.New(tools.Spec{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite"},
		},
	}, func(_ context.Context, args map[string]any) (tools.Result, error) {
		target := resolve(opts.Root, stringArg(args, "path"))
		content := stringArg(args, "content")
		appendMode, _ := args["append"].(bool)

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return tools.Result{}, err
		}
		flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if appendMode {
			flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(target, flag, 0o644)
		if err != nil {
			return tools.Result{}, err
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			return tools.Result{}, err
		}
		return tools.OK(fmt.Sprintf("wrote %d bytes to %s", len(content), stringArg(args, "path"))), nil
	})
}

func EditFile(opts Options) tools.Tool {
	return tools.New(tools.Spec{
		Name:        "edit_file",
		Description: "Replace text in a file.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence"},
		},
	}, func(_ context.Context, args map[string]any) (tools.Result, error) {
		target := resolve(opts.Root, stringArg(args, "path"))
		search := stringArg(args, "search")
		replace := stringArg(args, "replace")
		replaceAll, _ := args["replace_all"].(bool)

		data, err := os.ReadFile(target)
		if errors.Is(err, os.ErrNotExist) {
			return tools.Errorf("file not found: %s", stringArg(args, "path")), nil
		}
		if err != nil {
			return tools.Result{}, err
		}

		original := string(data)
		count := strings.Count(original, search)
		if search == "" || count == 0 {
			return tools.Errorf("search text not found in %s", stringArg(args, "path")), nil
		}
		if count > 1 && !replaceAll {
			return tools.Errorf("search text matches %d times; set replace_all or make it unique", count), nil
		}

		n := 1
		if replaceAll {
			n = -1
		}
		updated := strings.Replace(original, search, replace, n)
		if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
			return tools.Result{}, err
		}
		if !replaceAll {
			count = 1
		}
		return tools.OK(fmt.Sprintf("replaced %d occurrence(s)", count)), nil
	})
}

func ListFiles(opts Options) tools.Tool {
	return tools.New(tools.Spec{
		Name:        "list_files",
		Description: "List files under a directory, optionally filtered by a glob on the file name.",
		Parameters: []tools.Parameter{
			{Name: "path", Type: "string", Description: "Directory (default working directory)"},
			{Name: "pattern", Type: "string", Description: "Glob on the base name, e.g. *.go"},
			{Name: "max_results", Type: "integer", Description: "Maximum entries (default 500)", Default: 500},
		},
	}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
		dir := resolve(opts.Root, stringArg(args, "path"))
		pattern := stringArg(args, "pattern")
		limit := 500
		if n, ok := numberArg(args, "max_results"); ok && n > 0 {
			limit = int(n)
		}

		if _, err := filepath.Match(pattern, ""); err != nil {
			return tools.Errorf("invalid pattern: %v", err), nil
		}

		var out []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if path != dir && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if pattern != "" {
				if ok, _ := filepath.Match(pattern, d.Name()); !ok {
					return nil
				}
			}
			rel, _ := filepath.Rel(dir, path)
			out = append(out, rel)
			if len(out) >= limit {
				return filepath.SkipAll
			}
			return nil
		})
		if errors.Is(err, os.ErrNotExist) {
			return tools.Errorf("directory not found: %s", stringArg(args, "path")), nil
		}
		if err != nil {
			return tools.Result{}, err
		}
		if len(out) == 0 {
			return tools.OK("no files"), nil
		}
		return tools.OK(strings.Join(out, "\n")), nil
	})
}

func Exec(opts Options) tools.Tool {
	return tools.New(tools.Spec{
		Name:        "exec",
		Description: "Run a command in the working directory and return its combined output.",
		Parameters: []tools.Parameter{
			{Name: "command", Type: "string", Description: "Executable", Required: true},
			{Name: "args", Type: "array", Description: "Command arguments", Items: "string"},
			{Name: "stdin", Type: "string", Description: "Standard input"},
		},
	}, func(ctx context.Context, args map[string]any) (tools.Result, error) {
		command := strings.TrimSpace(stringArg(args, "command"))
		if command == "" {
			return tools.Errorf("command is required"), nil
		}

		cmd := exec.CommandContext(ctx, command, stringSlice(args["args"])...)
		cmd.Dir = opts.Root
		if stdin := stringArg(args, "stdin"); stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		err := cmd.Run()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return tools.Errorf("exit code %d\n%s", exitErr.ExitCode(), buf.String()), nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return tools.Errorf("command not found: %s", command), nil
		}
		if err != nil {
			return tools.Result{}, err
		}
		return tools.OK(buf.String()), nil
	})
}

func readFileWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	extra := make([]byte, 1)
	n, _ := file.Read(extra)
	return buf.Bytes(), n > 0, nil
}

func resolve(root, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return filepath.Clean(root)
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(root, p))
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func stringSlice(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
