package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWithin(t *testing.T) {
	tests := []struct {
		name    string
		elems   []string
		want    string
		wantErr bool
	}{
		{"session dir", []string{"pending", "s1"}, "/data/pending/s1", false},
		{"frame file", []string{"pending", "s1", "001_liveness.jpg"}, "/data/pending/s1/001_liveness.jpg", false},
		{"dot dot", []string{"pending", "..", "..", "etc"}, "", true},
		{"root itself", []string{"."}, "", true},
		{"sibling prefix", []string{"..", "data2"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinWithin("/data", tt.elems...)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPathEscape)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	require.NoError(t, os.MkdirAll(safeDir, 0o755))
	require.NoError(t, os.MkdirAll(unsafeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(unsafeDir, "secret.txt"), []byte("secret"), 0o644))

	symlinkPath := filepath.Join(safeDir, "evil-symlink")
	require.NoError(t, os.Symlink(unsafeDir, symlinkPath))

	tests := []struct {
		name      string
		filePath  string
		safeDir   string
		wantError bool
	}{
		{"valid path within directory", filepath.Join(tmpDir, "file.txt"), tmpDir, false},
		{"valid nested path", filepath.Join(tmpDir, "subdir", "file.txt"), tmpDir, false},
		{"path traversal with ..", filepath.Join(tmpDir, "..", "file.txt"), tmpDir, true},
		{"path traversal at start", "../../../etc/passwd", tmpDir, true},
		{"absolute path outside safe dir", "/etc/passwd", tmpDir, true},
		{"symlinked parent", filepath.Join(symlinkPath, "secret.txt"), safeDir, true},
		{"symlink itself", symlinkPath, safeDir, true},
		{"new file under symlinked parent", filepath.Join(symlinkPath, "new", "frame.jpg"), safeDir, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, tt.safeDir)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOutputPath(t *testing.T) {
	assert.NoError(t, ValidateOutputPath(filepath.Join(os.TempDir(), "timeline.html")))
	assert.NoError(t, ValidateOutputPath("signals.png"))
	assert.ErrorIs(t, ValidateOutputPath("/etc/passwd"), ErrPathEscape)
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"":                    "unknown",
		"session-1":           "session-1",
		"../../etc/passwd":    "etc_passwd",
		"a b\tc":              "a_b_c",
		"__x__":               "x",
		"9f1c2d3e-aaaa.bbbb":  "9f1c2d3e-aaaa.bbbb",
		"???":                 "unknown",
		"user@example.com/s1": "user_example.com_s1",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFilename(in), "input %q", in)
	}
}
