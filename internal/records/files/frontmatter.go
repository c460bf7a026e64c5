package files

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jcmexdev/civic-records/internal/records"
)

const delimiter = "---"

// Render serialises rec as a Markdown document with a YAML front matter
// header. The body follows the closing delimiter after one blank line.
func Render(rec records.Record) ([]byte, error) {
	header, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("files: encode front matter for %q: %w", rec.ID, err)
	}

	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(header)
	buf.WriteString(delimiter + "\n\n")
	buf.WriteString(rec.Body)
	if rec.Body != "" && !strings.HasSuffix(rec.Body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Parse is the inverse of Render. A trailing newline added by Render is not
// part of the returned body.
func Parse(data []byte) (records.Record, error) {
	text := string(data)
	if !strings.HasPrefix(text, delimiter+"\n") {
		return records.Record{}, fmt.Errorf("files: missing front matter")
	}
	rest := text[len(delimiter)+1:]

	end := strings.Index(rest, "\n"+delimiter+"\n")
	if end < 0 {
		return records.Record{}, fmt.Errorf("files: unterminated front matter")
	}

	var rec records.Record
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &rec); err != nil {
		return records.Record{}, fmt.Errorf("files: decode front matter: %w", err)
	}

	body := rest[end+len(delimiter)+2:]
	body = strings.TrimPrefix(body, "\n")
	rec.Body = strings.TrimSuffix(body, "\n")
	return rec, nil
}
