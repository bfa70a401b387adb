// Package uuid provides unit tests for UUID generation and validation.
package uuid

import "testing"

// TestNew tests that New() generates unique, valid UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated UUID does not match v4 format: %s", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestIsValid tests UUID v4 validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		uuid string
		want bool
	}{
		{"valid UUID v4", "123e4567-e89b-42d3-a456-426614174000", true},
		{"uppercase", "123E4567-E89B-42D3-A456-426614174000", true},
		{"version 1", "123e4567-e89b-12d3-a456-426614174000", false},
		{"bad variant", "123e4567-e89b-42d3-c456-426614174000", false},
		{"no dashes", "123e4567e89b42d3a456426614174000", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.uuid); got != tt.want {
				t.Errorf("IsValid(%q) = %v, want %v", tt.uuid, got, tt.want)
			}
		})
	}
}
