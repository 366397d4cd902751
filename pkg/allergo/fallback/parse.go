package fallback

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParseFailed is returned when a model answer holds no usable JSON.
var ErrParseFailed = errors.New("failed to parse response")

var (
	jsonBlockRegex = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)\\n?```")
	objectRegex    = regexp.MustCompile(`(?s)\{.*\}`)
	arrayRegex     = regexp.MustCompile(`(?s)\[.*\]`)
)

// parseJSON unmarshals content into T. Models often wrap JSON in a markdown
// fence or surround it with prose, so after a direct attempt it retries with
// the fenced block and then with the outermost object or array fragment.
func parseJSON[T any](content string) (T, error) {
	var result T
	content = strings.TrimSpace(content)
	if content == "" {
		return result, fmt.Errorf("%w: empty", ErrParseFailed)
	}

	if err := json.Unmarshal([]byte(content), &result); err == nil {
		return result, nil
	}

	if m := jsonBlockRegex.FindStringSubmatch(content); len(m) >= 2 {
		content = strings.TrimSpace(m[1])
		if err := json.Unmarshal([]byte(content), &result); err == nil {
			return result, nil
		}
	}

	for _, re := range []*regexp.Regexp{objectRegex, arrayRegex} {
		if frag := re.FindString(content); frag != "" {
			if err := json.Unmarshal([]byte(frag), &result); err == nil {
				return result, nil
			}
		}
	}

	return result, fmt.Errorf("%w: %s", ErrParseFailed, truncate(content, 200))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
