package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Directories that never contribute to the content fingerprint: dependency
// trees, VCS metadata, and build outputs all churn without changing what the
// image build consumes as source.
var fingerprintSkipDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	"dist":         {},
	"build":        {},
	".next":        {},
	"coverage":     {},
	".skiff":       {},
}

// Fingerprint hashes the project source tree. filepath.WalkDir visits entries
// in lexical order, so an unchanged tree always produces the same digest.
func Fingerprint(root string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := fingerprintSkipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(h, f)
		f.Close()
		if copyErr != nil {
			return copyErr
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint project source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
