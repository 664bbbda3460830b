// Package persona resolves persona documents into seed exchanges.
package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashureev/persona-relay/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	// FallbackDisplayName is reported when the persona document does not exist.
	FallbackDisplayName = "Default Character"
	// BrokenDisplayName is reported when the persona document cannot be parsed.
	BrokenDisplayName = "Error Character"

	summaryMaxRunes = 160
)

// formattingDirective tells the model how to read tagged turns and how to answer.
const formattingDirective = `## Conversation format
Messages from participants arrive as "[YYYY-MM-DD HH:MM] name: message". The bracketed part is the time the message was sent and the name identifies who is speaking; several people may share the conversation.
Reply with the message text only. Do not prefix your reply with your own name, a timestamp or brackets, and do not write lines for other participants.`

var errNotFound = errors.New("persona document not found")

var documentExtensions = []string{".json", ".yaml", ".yml"}

// Seed is the composed preamble for one persona.
type Seed struct {
	Key         string
	DisplayName string
	Turns       []domain.Turn
	// Degraded is set when the document was missing or incomplete and Turns is empty.
	Degraded bool
}

// Loader reads persona documents from a directory.
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, logger: logger.With("component", "persona")}
}

// Load composes the seed exchange for key. It never fails: missing or broken
// documents produce an empty, degraded seed with a fallback display name.
func (l *Loader) Load(key string) Seed {
	def, err := l.read(key)
	if errors.Is(err, errNotFound) {
		l.logger.Warn("persona document not found", "persona", key)
		return Seed{Key: key, DisplayName: FallbackDisplayName, Degraded: true}
	}
	if err != nil {
		l.logger.Error("failed to read persona document", "persona", key, "error", err)
		return Seed{Key: key, DisplayName: BrokenDisplayName, Degraded: true}
	}

	if def.SystemInstruction == "" || def.InitialModelResponse == "" {
		l.logger.Warn("persona document is incomplete", "persona", key)
		return Seed{Key: key, DisplayName: def.DisplayName, Degraded: true}
	}

	turns := []domain.Turn{
		{Role: domain.RoleUser, Content: l.composeInstruction(def)},
		{Role: domain.RoleModel, Content: def.InitialModelResponse},
	}
	turns = append(turns, l.exampleTurns(def)...)

	l.logger.Info("persona loaded", "persona", key, "display_name", def.DisplayName, "seed_turns", len(turns))
	return Seed{Key: key, DisplayName: def.DisplayName, Turns: turns}
}

// Exists reports whether a document for key is present.
func (l *Loader) Exists(key string) bool {
	_, err := l.locate(key)
	return err == nil
}

// List returns every persona in the directory ordered by key.
func (l *Loader) List() ([]domain.PersonaSummary, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read persona directory: %w", err)
	}

	seen := make(map[string]bool)
	var out []domain.PersonaSummary
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !isDocumentExt(ext) {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ext)
		if seen[key] || !domain.ValidPersonaKey(key) {
			continue
		}
		seen[key] = true

		name := key
		if def, err := l.read(key); err == nil && def.DisplayName != "" {
			name = def.DisplayName
		}
		out = append(out, domain.PersonaSummary{Key: key, DisplayName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (l *Loader) composeInstruction(def *domain.PersonaDefinition) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(def.SystemInstruction))
	b.WriteString("\n\n")
	b.WriteString(formattingDirective)

	if meta := strings.TrimSpace(def.Metadata); meta != "" {
		b.WriteString("\n\n## Character metadata\n")
		b.WriteString(meta)
	}

	if related := l.relatedSummaries(def); len(related) > 0 {
		b.WriteString("\n\n## Related characters\n")
		b.WriteString(strings.Join(related, "\n"))
	}

	var examples []string
	for _, ex := range def.DialogueExamples {
		if ex = strings.TrimSpace(ex); ex != "" {
			examples = append(examples, "- "+ex)
		}
	}
	if len(examples) > 0 {
		b.WriteString("\n\n## Speak like this\n")
		b.WriteString(strings.Join(examples, "\n"))
	}
	return b.String()
}

// relatedSummaries walks the related-persona graph depth-first and returns one
// line per reachable persona. The root and any persona already visited
// contribute nothing, so cycles and self references terminate.
func (l *Loader) relatedSummaries(root *domain.PersonaDefinition) []string {
	visited := map[string]bool{root.Key: true}
	stack := pushReversed(nil, root.RelatedCharacters)

	var out []string
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[key] {
			continue
		}
		visited[key] = true

		def, err := l.read(key)
		if err != nil {
			l.logger.Warn("skipping related persona", "persona", root.Key, "related", key, "error", err)
			continue
		}
		out = append(out, summaryLine(def))
		stack = pushReversed(stack, def.RelatedCharacters)
	}
	return out
}

func (l *Loader) exampleTurns(def *domain.PersonaDefinition) []domain.Turn {
	var turns []domain.Turn
	for i, ex := range def.ConversationExamples {
		role, ok := domain.ParseRole(ex.Role)
		if !ok {
			l.logger.Warn("dropping example exchange with unknown role", "persona", def.Key, "index", i, "role", ex.Role)
			continue
		}
		texts := make([]string, 0, len(ex.Parts))
		for _, p := range ex.Parts {
			if t := strings.TrimSpace(p.Text); t != "" {
				texts = append(texts, t)
			}
		}
		if len(texts) == 0 {
			l.logger.Warn("dropping empty example exchange", "persona", def.Key, "index", i)
			continue
		}
		turns = append(turns, domain.Turn{Role: role, Content: strings.Join(texts, "\n")})
	}
	return turns
}

func (l *Loader) read(key string) (*domain.PersonaDefinition, error) {
	path, err := l.locate(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var def domain.PersonaDefinition
	if filepath.Ext(path) == ".json" {
		err = json.Unmarshal(data, &def)
	} else {
		err = yaml.Unmarshal(data, &def)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	def.Key = key
	if def.DisplayName == "" {
		def.DisplayName = key
	}
	return &def, nil
}

func (l *Loader) locate(key string) (string, error) {
	if !domain.ValidPersonaKey(key) {
		return "", fmt.Errorf("%w: invalid key %q", errNotFound, key)
	}
	for _, ext := range documentExtensions {
		path := filepath.Join(l.dir, key+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", errNotFound
}

func summaryLine(def *domain.PersonaDefinition) string {
	desc := firstLine(def.Metadata)
	if desc == "" {
		desc = firstLine(def.SystemInstruction)
	}
	if r := []rune(desc); len(r) > summaryMaxRunes {
		desc = string(r[:summaryMaxRunes]) + "…"
	}
	if desc == "" {
		return fmt.Sprintf("- %s (%s)", def.DisplayName, def.Key)
	}
	return fmt.Sprintf("- %s (%s): %s", def.DisplayName, def.Key, desc)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func pushReversed(stack, keys []string) []string {
	for i := len(keys) - 1; i >= 0; i-- {
		stack = append(stack, strings.TrimSpace(keys[i]))
	}
	return stack
}

func isDocumentExt(ext string) bool {
	for _, e := range documentExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
