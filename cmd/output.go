// File: cmd/output.go
package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/deeperseek/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errNoResponse is reported when a turn ran out of time. The page may still be generating.
var errNoResponse = errors.New("no response was received before the timeout")

// printResponse writes resp as indented JSON or as human readable text.
func printResponse(w io.Writer, resp *chat.Response, asJSON bool) error {
	if resp == nil {
		return errNoResponse
	}
	if asJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode response: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var b strings.Builder
	if r := resp.Reasoning; r != nil {
		fmt.Fprintf(&b, "[Thought for %d seconds]\n", r.DurationSeconds)
		for _, line := range strings.Split(r.Content, "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString(resp.Text)
	b.WriteByte('\n')
	if len(resp.SearchResults) > 0 {
		b.WriteString("\nSources:\n")
		for _, sr := range resp.SearchResults {
			fmt.Fprintf(&b, "  [%d] %s (%s, %s)\n", sr.Index, sr.Title, sr.Website, sr.Date)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
