package upload

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"newsup/internal/article"
)

// failedDump writes the raw text of articles that ended Skipped or Failed.
type failedDump struct {
	// prefix is joined with the article name; for a directory it ends in a
	// separator.
	prefix string
}

func newFailedDump(loc string) *failedDump {
	if loc == "" {
		return nil
	}
	if fi, err := os.Stat(loc); err == nil && fi.IsDir() && !strings.HasSuffix(loc, string(filepath.Separator)) {
		loc += string(filepath.Separator)
	}
	return &failedDump{prefix: loc}
}

// write stores a as <prefix><message-id>, or <prefix>seq-<n> without an id,
// and returns the path.
func (d *failedDump) write(a *article.Article) (string, error) {
	name := fmt.Sprintf("seq-%d", a.Seq)
	if a.MessageID != "" {
		name = dumpName(a.MessageID)
	}
	path := d.prefix + name
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	return path, os.WriteFile(path, rawArticle(a), 0o644)
}

func rawArticle(a *article.Article) []byte {
	var b bytes.Buffer
	for _, f := range a.Headers {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(a.Body)
	return b.Bytes()
}

// dumpName keeps a message-id usable as a single path element.
func dumpName(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, id)
}
