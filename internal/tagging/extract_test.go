package tagging

import (
	"sort"
	"testing"
)

func contains(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func TestExtractPhrases(t *testing.T) {
	tags := Extract("A young woman with curly hair wearing a blue shirt, sitting at a desk in the office.")

	for _, want := range []string{"young woman", "curly hair", "blue shirt", "sitting", "desk", "in the office"} {
		if !contains(tags, want) {
			t.Errorf("missing tag %q in %v", want, tags)
		}
	}
}

func TestExtractFiltersStopWords(t *testing.T) {
	tags := Extract("The image shows a photograph that appears to be from the beach.")

	for _, banned := range []string{"the", "image", "shows", "photograph", "appears", "that", "from"} {
		if contains(tags, banned) {
			t.Errorf("stop word %q leaked into %v", banned, tags)
		}
	}
	if !contains(tags, "beach") {
		t.Errorf("missing tag %q in %v", "beach", tags)
	}
}

func TestExtractDropsShortWords(t *testing.T) {
	tags := Extract("A man at his PC up on a hill.")

	for _, short := range []string{"pc", "up", "on"} {
		if contains(tags, short) {
			t.Errorf("short word %q should be dropped, got %v", short, tags)
		}
	}
}

func TestExtractSortedAndUnique(t *testing.T) {
	tags := Extract("A dog chasing a dog near another dog. Zebra first alphabetically? No: apple.")

	if !sort.StringsAreSorted(tags) {
		t.Errorf("tags not sorted: %v", tags)
	}
	seen := make(map[string]bool)
	for _, tag := range tags {
		if seen[tag] {
			t.Errorf("duplicate tag %q in %v", tag, tags)
		}
		seen[tag] = true
	}
}

func TestExtractEmptyDescription(t *testing.T) {
	if tags := Extract(""); len(tags) != 0 {
		t.Errorf("Extract(\"\") = %v, want empty", tags)
	}
}

func TestExtractCaseInsensitive(t *testing.T) {
	tags := Extract("A BLACK JACKET and a Smiling Person")

	if !contains(tags, "black jacket") {
		t.Errorf("missing lowercased phrase tag in %v", tags)
	}
	if !contains(tags, "smiling") {
		t.Errorf("missing lowercased action tag in %v", tags)
	}
}
