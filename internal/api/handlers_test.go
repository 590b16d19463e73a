package api

import (
	"net/http/httptest"
	"testing"
)

func TestListLimit(t *testing.T) {
	tests := []struct {
		query    string
		fallback int
		want     int
		wantErr  bool
	}{
		{"", 50, 50, false},
		{"limit=10", 50, 10, false},
		{"limit=500", 50, 500, false},
		{"limit=99999", 50, maxListLimit, false},
		{"limit=0", 50, 0, true},
		{"limit=-3", 50, 0, true},
		{"limit=abc", 50, 0, true},
	}

	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/api/jobs?"+tt.query, nil)
		got, err := listLimit(r, tt.fallback)
		if tt.wantErr {
			if err == nil {
				t.Errorf("listLimit(%q) = %d, want error", tt.query, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("listLimit(%q): %v", tt.query, err)
			continue
		}
		if got != tt.want {
			t.Errorf("listLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
