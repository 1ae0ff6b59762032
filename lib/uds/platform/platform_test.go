package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAugmentPathForHomebrewOnlyOnDarwin(t *testing.T) {
	t.Parallel()

	got := AugmentPathForHomebrew("/usr/bin:/bin")
	if runtime.GOOS != "darwin" {
		require.Equal(t, "/usr/bin:/bin", got)
		return
	}
	require.Contains(t, got, "/opt/homebrew/bin")
	require.Contains(t, got, "/usr/local/bin")
	require.Contains(t, got, "/usr/bin:/bin")
}

func TestAugmentPathForHomebrewDoesNotDuplicate(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "darwin" {
		t.Skip("homebrew augmentation is darwin-only")
	}

	original := "/opt/homebrew/bin:/usr/bin"
	got := AugmentPathForHomebrew(original)
	require.Equal(t, 1, countOccurrences(got, "/opt/homebrew/bin"))
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
		}
	}
	return count
}

func TestFindExecutableFindsExecutableFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mytool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	found := FindExecutable("mytool", dir)
	require.Equal(t, path, found)
}

func TestFindExecutableSkipsNonExecutableFile(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("executable bit is not meaningful on windows")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "mytool")
	require.NoError(t, os.WriteFile(path, []byte("not executable"), 0o644))

	found := FindExecutable("mytool", dir)
	require.Empty(t, found)
}

func TestFindExecutableReturnsEmptyWhenMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.Empty(t, FindExecutable("doesnotexist", dir))
}
