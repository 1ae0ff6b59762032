/*
Copyright 2026 UDS Client Gateway Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package platform holds the handful of OS-specific concerns the
// orchestrator needs when locating the external transport client named in a
// transport descriptor: the macOS Homebrew PATH augmentation and a PATH
// search with an executable-bit check.
package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// homebrewPaths are prepended to PATH on darwin, covering both the Intel
// and Apple Silicon Homebrew prefixes.
var homebrewPaths = []string{"/usr/local/bin", "/opt/homebrew/bin"}

// AugmentPathForHomebrew prepends the well-known Homebrew bin directories to
// path on darwin so a client installed via `brew install` is found without
// requiring the user's shell PATH. It is a no-op on every other GOOS.
func AugmentPathForHomebrew(path string) string {
	if runtime.GOOS != "darwin" {
		return path
	}

	entries := strings.Split(path, string(os.PathListSeparator))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e] = struct{}{}
	}

	prefix := make([]string, 0, len(homebrewPaths))
	for _, hb := range homebrewPaths {
		if _, ok := seen[hb]; !ok {
			prefix = append(prefix, hb)
		}
	}
	if len(prefix) == 0 {
		return path
	}
	return strings.Join(prefix, string(os.PathListSeparator)) + string(os.PathListSeparator) + path
}

// FindExecutable searches path (a PATH-style, separator-joined list of
// directories) for name, returning the first entry that exists and has an
// execute bit set. It returns an empty string if name isn't found anywhere
// on path.
func FindExecutable(name string, path string) string {
	if name == "" {
		return ""
	}
	for _, dir := range strings.Split(path, string(os.PathListSeparator)) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if isExecutable(info.Mode()) {
			return candidate
		}
	}
	return ""
}

func isExecutable(mode os.FileMode) bool {
	if runtime.GOOS == "windows" {
		return true
	}
	return mode&0o111 != 0
}
