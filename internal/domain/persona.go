package domain

import "regexp"

// SettingCurrentPersona is the settings key recording the active persona.
const SettingCurrentPersona = "current_character_key"

var personaKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidPersonaKey reports whether key only uses the allow-listed character set.
// Keys failing this check must never reach a file path or a storage identifier.
func ValidPersonaKey(key string) bool {
	return personaKeyPattern.MatchString(key)
}

// ExampleExchange is one pre-seeded example turn declared by a persona document.
type ExampleExchange struct {
	Role  string        `json:"role" yaml:"role"`
	Parts []ExamplePart `json:"parts" yaml:"parts"`
}

// ExamplePart is a text part of an example exchange.
type ExamplePart struct {
	Text string `json:"text" yaml:"text"`
}

// PersonaDefinition is a persona document as stored in the persona directory.
type PersonaDefinition struct {
	Key                  string            `json:"-" yaml:"-"`
	DisplayName          string            `json:"character_name_display" yaml:"character_name_display"`
	SystemInstruction    string            `json:"system_instruction_user" yaml:"system_instruction_user"`
	Metadata             string            `json:"character_metadata" yaml:"character_metadata"`
	InitialModelResponse string            `json:"initial_model_response" yaml:"initial_model_response"`
	RelatedCharacters    []string          `json:"related_characters" yaml:"related_characters"`
	DialogueExamples     []string          `json:"dialogue_examples" yaml:"dialogue_examples"`
	ConversationExamples []ExampleExchange `json:"conversation_examples" yaml:"conversation_examples"`
}

// PersonaSummary is the listing view of a persona.
type PersonaSummary struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}
