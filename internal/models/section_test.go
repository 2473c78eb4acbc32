package models

import (
	"encoding/json"
	"testing"
)

func TestSectionRejectsUnknownKind(t *testing.T) {
	var s Section
	if err := json.Unmarshal([]byte(`{"kind":"table","text":"x"}`), &s); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
}

func TestSectionPlainText(t *testing.T) {
	cases := []struct {
		section Section
		want    string
	}{
		{Section{Kind: SectionHeading, Text: "Check in"}, "Check in"},
		{Section{Kind: SectionSubheading, Text: "Today"}, "Today"},
		{Section{Kind: SectionParagraph, Text: "Take a slow breath."}, "Take a slow breath."},
		{Section{Kind: SectionList, Items: []string{"rest", "water"}}, "- rest\n- water"},
	}
	for _, c := range cases {
		if got := c.section.PlainText(); got != c.want {
			t.Fatalf("PlainText(%q) = %q, want %q", c.section.Kind, got, c.want)
		}
	}
}

func TestParseSections(t *testing.T) {
	doc := `[{"kind":"heading","text":"Grounding"},{"kind":"list","items":["5 things you can see"]}]`
	sections, ok := ParseSections(doc)
	if !ok {
		t.Fatalf("expected sections document to parse")
	}
	if len(sections) != 2 || sections[0].Kind != SectionHeading || sections[1].Kind != SectionList {
		t.Fatalf("unexpected sections: %+v", sections)
	}

	if _, ok := ParseSections("just a plain reply"); ok {
		t.Fatalf("plain text must not parse as sections")
	}
	if _, ok := ParseSections(`[{"kind":"banner","text":"x"}]`); ok {
		t.Fatalf("unknown kinds must fail the document")
	}
}
