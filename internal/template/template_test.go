package template

import (
	"reflect"
	"testing"
)

func TestRenderSubstitutesDottedPaths(t *testing.T) {
	vars := map[string]any{
		"parameters": map[string]any{"city": "Lisbon"},
		"result":     map[string]any{"weather": map[string]any{"temp": 21}},
	}

	got := Render("It is {{ result.weather.temp }} degrees in {{ parameters.city }}", vars)
	want := "It is 21 degrees in Lisbon"
	if got != want {
		t.Errorf("Render = %q, want %q", got, want)
	}
}

func TestRenderUnresolvedBecomesUndefined(t *testing.T) {
	cases := []struct {
		name string
		tmpl string
		want string
	}{
		{"missing key", "hello {{ parameters.name }}", "hello undefined"},
		{"missing root", "{{ result.temp }}", "undefined"},
		{"path through scalar", "{{ parameters.city.zip }}", "undefined"},
		{"empty expression", "{{ }}", "undefined"},
	}
	vars := map[string]any{"parameters": map[string]any{"city": "Lisbon"}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Render(tc.tmpl, vars); got != tc.want {
				t.Errorf("Render(%q) = %q, want %q", tc.tmpl, got, tc.want)
			}
		})
	}
}

func TestRenderUnterminatedPlaceholderVerbatim(t *testing.T) {
	got := Render("hello {{ parameters.name", nil)
	if got != "hello {{ parameters.name" {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderNoPlaceholders(t *testing.T) {
	if got := Render("plain text", nil); got != "plain text" {
		t.Errorf("Render = %q", got)
	}
}

func TestRenderStringMapValues(t *testing.T) {
	vars := map[string]any{
		"context": map[string]string{"channel": "facebook"},
	}
	if got := Render("via {{ context.channel }}", vars); got != "via facebook" {
		t.Errorf("Render = %q", got)
	}
}

func TestSplitSentence(t *testing.T) {
	got := SplitSentence("Hi###How can I help you?")
	want := []string{"Hi", "How can I help you?"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SplitSentence = %v, want %v", got, want)
	}

	if got := SplitSentence("single"); !reflect.DeepEqual(got, []string{"single"}) {
		t.Errorf("SplitSentence = %v", got)
	}
}
