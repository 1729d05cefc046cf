package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) Schema() map[string]interface{} {
	return stringArgs([]string{"path"}, map[string]string{"path": "file to read"})
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'path' argument")
	}
	if err := checkAccess(t.fsAccess, path, false); err != nil {
		return "", err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely."
}

func (t *WriteFileTool) Schema() map[string]interface{} {
	return stringArgs([]string{"path", "content"}, map[string]string{
		"path":    "file to write",
		"content": "full new content of the file",
	})
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, pathOk := args["path"].(string)
	content, contentOk := args["content"].(string)
	if !pathOk || !contentOk {
		return "", errors.New("missing or invalid 'path' or 'content' arguments")
	}
	if err := checkAccess(t.fsAccess, path, true); err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
}

func checkAccess(fsAccess *config.FilesystemAccess, path string, write bool) error {
	if fsAccess == nil {
		return nil
	}
	hidden, err := isPathRestricted(path, fsAccess.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	if !write {
		return nil
	}
	readOnly, err := isPathRestricted(path, fsAccess.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}
