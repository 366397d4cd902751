package stoplist

import (
	"sort"

	"github.com/cognicore/allergo/pkg/allergo/normalize"
)

// DefaultTerms are menu filler words that never name an ingredient.
var DefaultTerms = []string{
	"mit", "und", "oder", "vom", "hausgemacht", "lecker", "frisch", "gericht",
	"portion", "gross", "klein", "grossen", "kleinen", "serviert", "klassisch",
	"spezial", "menu", "menue", "gerichtname", "gerichtnamen", "teller", "beilage",
}

// Manager holds the stop words used when extracting candidate terms locally.
type Manager struct {
	stops map[string]struct{}
}

// NewManager creates a stoplist from initial terms. Terms are folded the
// same way candidate terms are.
func NewManager(initialStops []string) *Manager {
	m := &Manager{stops: make(map[string]struct{}, len(initialStops))}
	for _, s := range initialStops {
		m.Add(s)
	}
	return m
}

// Default returns a manager seeded with DefaultTerms.
func Default() *Manager {
	return NewManager(DefaultTerms)
}

// IsStop checks if a token is a stopword
func (m *Manager) IsStop(token string) bool {
	if m == nil {
		return false
	}
	_, ok := m.stops[normalize.Fold(token)]
	return ok
}

// Add adds a token to the stoplist
func (m *Manager) Add(token string) {
	if t := normalize.Fold(token); t != "" {
		m.stops[t] = struct{}{}
	}
}

// Remove removes a token from the stoplist
func (m *Manager) Remove(token string) {
	delete(m.stops, normalize.Fold(token))
}

// All returns all stopwords, sorted.
func (m *Manager) All() []string {
	result := make([]string, 0, len(m.stops))
	for s := range m.stops {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}
