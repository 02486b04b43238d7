// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

package eval

import (
	"fmt"
	"path"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// PatchedFile extracts the single file a reference patch modifies, with
// the conventional a/ and b/ prefixes stripped.
func PatchedFile(patch string) (string, error) {
	fileDiffs, err := diff.ParseMultiFileDiff([]byte(patch))
	if err != nil {
		return "", fmt.Errorf("parsing reference patch: %w", err)
	}
	if len(fileDiffs) != 1 {
		return "", fmt.Errorf("reference patch modifies %d files, expected 1", len(fileDiffs))
	}
	orig := strings.TrimPrefix(fileDiffs[0].OrigName, "a/")
	updated := strings.TrimPrefix(fileDiffs[0].NewName, "b/")
	if orig != updated {
		return "", fmt.Errorf("reference patch renames %q to %q", orig, updated)
	}
	return orig, nil
}

// FilenameMentioned reports how precisely text names the file: "fully"
// for the complete path, "partially" for the base name only, "no" for
// neither.
func FilenameMentioned(filename, text string) string {
	if strings.Contains(text, filename) {
		return "fully"
	}
	if strings.Contains(text, path.Base(filename)) {
		return "partially"
	}
	return "no"
}
