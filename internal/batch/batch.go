// Package batch reads subject batches from JSONL files for the commands.
package batch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/cognicore/allergo/pkg/allergo/store"
)

// Subject is one JSONL line of a subject batch.
type Subject struct {
	ID          int64    `json:"id"`
	Owner       int64    `json:"owner"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Identifiers []string `json:"identifiers"`
	ItemIDs     []int64  `json:"item_ids"`
	ExtraCodes  []string `json:"extra_codes"`
	ManualCodes []string `json:"manual_codes"`
}

// Store converts the line into a store subject. Manual codes switch the
// subject to manual override.
func (s Subject) Store() store.Subject {
	return store.Subject{
		ID:             s.ID,
		Owner:          s.Owner,
		Name:           strings.TrimSpace(s.Name),
		Description:    s.Description,
		Identifiers:    s.Identifiers,
		ItemIDs:        s.ItemIDs,
		ExtraCodes:     s.ExtraCodes,
		ManualOverride: len(s.ManualCodes) > 0,
		ManualCodes:    s.ManualCodes,
	}
}

// LoadFromJSONL loads subjects from a JSONL file. Malformed or nameless
// lines are skipped with a warning.
func LoadFromJSONL(path string, log *zap.Logger) ([]Subject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	subjects, err := Read(f, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return subjects, nil
}

// Read parses JSONL subjects from r.
func Read(r io.Reader, log *zap.Logger) ([]Subject, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var subjects []Subject
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var s Subject
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			log.Warn("skipping malformed subject line", zap.Int("line", line), zap.Error(err))
			continue
		}
		if strings.TrimSpace(s.Name) == "" {
			log.Warn("skipping subject without name", zap.Int("line", line))
			continue
		}
		subjects = append(subjects, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("no valid subjects found")
	}
	return subjects, nil
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
