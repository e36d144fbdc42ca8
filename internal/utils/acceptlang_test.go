package utils

import "testing"

func TestDetermineLocale(t *testing.T) {
	supported := []string{"en", "de"}
	cases := []struct {
		name, query, accept, want string
	}{
		{"query param wins", "de-AT", "en-US,en;q=0.9", "de"},
		{"header order", "", "en-US,en;q=0.9,de;q=0.8", "en"},
		{"higher q wins", "", "de;q=0.9,en;q=0.8", "de"},
		{"q zero excluded", "", "de;q=0,en;q=0.1", "en"},
		{"unsupported falls back", "", "fr-FR,es;q=0.9", "en"},
		{"unsupported query ignored", "fr", "de", "de"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetermineLocale(tc.query, tc.accept, supported, "en"); got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}
