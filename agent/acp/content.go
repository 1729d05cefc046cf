package acp

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/m4xw311/conductor/errors"
)

// maxResourceSize caps the inlined contents of a linked file.
const maxResourceSize = 50000

// contentBlock is one element of a session/prompt. Text and resource_link
// blocks are understood; anything else is ignored.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// extractUserText flattens prompt blocks into the text submitted to the
// worker. Linked local files are inlined.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			parts = append(parts, describeResource(b))
		}
	}
	return strings.Join(parts, "\n")
}

func describeResource(b contentBlock) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
	if b.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	}
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	fmt.Fprintf(&sb, "URI: %s\n", b.URI)
	if b.MimeType != "" {
		fmt.Fprintf(&sb, "Type: %s\n", b.MimeType)
	}
	if b.Size != nil {
		fmt.Fprintf(&sb, "Size: %d bytes\n", *b.Size)
	}

	if strings.HasPrefix(b.URI, "file://") {
		content, err := readFileURI(b.URI)
		if err != nil {
			fmt.Fprintf(&sb, "\n[Error reading file: %v]\n", err)
		} else {
			if len(content) > maxResourceSize {
				content = content[:maxResourceSize] + "\n\n[... truncated to 50KB ...]"
			}
			fmt.Fprintf(&sb, "\n--- File Contents ---\n%s\n--- End of File ---\n", content)
		}
	} else {
		sb.WriteString("\n[External resource - content not available]\n")
	}

	sb.WriteString("=== End Resource ===\n")
	return sb.String()
}

func readFileURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", errors.Wrapf(err, "invalid URI")
	}
	if u.Scheme != "file" {
		return "", errors.New("unsupported URI scheme: %s", u.Scheme)
	}
	content, err := os.ReadFile(u.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file")
	}
	return string(content), nil
}
