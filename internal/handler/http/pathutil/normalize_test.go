package pathutil

import "testing"

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"chat endpoint", "/v1/chat", "/v1/chat"},
		{"mesh stats", "/v1/mesh/stats", "/v1/mesh/stats"},
		{"health", "/health", "/health"},
		{"metrics", "/metrics", "/metrics"},
		{"node detail", "/v1/mesh/nodes/claude-a", "/v1/mesh/nodes/:id"},
		{"node stats", "/v1/mesh/nodes/gpt-b/stats", "/v1/mesh/nodes/:id/stats"},
		{"unknown path", "/wp-admin/login.php", "/other"},
		{"root", "/", "/other"},
		{"empty", "", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePath(tt.path); got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
