package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SectionKind enumerates the layout variants a rich bot reply may
// carry. The set is closed: decoding an unknown kind is an error.
type SectionKind string

const (
	SectionHeading    SectionKind = "heading"
	SectionSubheading SectionKind = "subheading"
	SectionParagraph  SectionKind = "paragraph"
	SectionList       SectionKind = "list"
)

// Section is one block of a rich bot reply. Text is set for heading,
// subheading and paragraph sections; Items for list sections. The
// persistence layer never inspects sections, it stores the raw reply
// content opaquely.
type Section struct {
	Kind  SectionKind `json:"kind"`
	Text  string      `json:"text,omitempty"`
	Items []string    `json:"items,omitempty"`
}

// UnmarshalJSON enforces the closed variant set.
func (s *Section) UnmarshalJSON(data []byte) error {
	type raw Section
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	switch r.Kind {
	case SectionHeading, SectionSubheading, SectionParagraph, SectionList:
	default:
		return fmt.Errorf("unknown section kind %q", r.Kind)
	}
	*s = Section(r)
	return nil
}

// PlainText renders the section to plain text, handling every kind.
func (s Section) PlainText() string {
	switch s.Kind {
	case SectionHeading, SectionSubheading, SectionParagraph:
		return s.Text
	case SectionList:
		var b strings.Builder
		for i, item := range s.Items {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString("- ")
			b.WriteString(item)
		}
		return b.String()
	}
	return ""
}

// ParseSections decodes message content that carries a structured
// reply. Content that is not a sections document returns ok=false and
// should be rendered as plain text.
func ParseSections(content string) ([]Section, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var sections []Section
	if err := json.Unmarshal([]byte(trimmed), &sections); err != nil {
		return nil, false
	}
	if len(sections) == 0 {
		return nil, false
	}
	return sections, true
}
