package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// importLine matches a textual library include:
//
//	import("filter.lib");
var importLine = regexp.MustCompile(`^\s*import\s*\(\s*"([^"]+)"\s*\)\s*;\s*$`)

// Resolver maps a library name to its source text.
type Resolver func(name string) (string, error)

// PathResolver resolves library names against a list of directories,
// first hit wins.
func PathResolver(dirs []string) Resolver {
	return func(name string) (string, error) {
		for _, dir := range dirs {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil {
				return string(data), nil
			}
			if !os.IsNotExist(err) {
				return "", err
			}
		}
		return "", fmt.Errorf("library %q not found in path %v", name, dirs)
	}
}

// Expand resolves every textual include in source, recursively, and
// returns the expanded program plus the ordered list of library names
// in first-inclusion order. Each library is included once; repeated and
// cyclic imports are skipped.
//
// The expansion is the hashing basis: two programs that expand to the
// same text are the same program, regardless of file layout.
func Expand(source string, resolve Resolver) (string, []string, error) {
	var b strings.Builder
	var libs []string
	seen := map[string]bool{}
	if err := expandInto(&b, source, resolve, seen, &libs); err != nil {
		return "", nil, err
	}
	return b.String(), libs, nil
}

func expandInto(b *strings.Builder, source string, resolve Resolver, seen map[string]bool, libs *[]string) error {
	// Equivalent of iterating strings.Lines(source): each line keeps its
	// trailing newline, and a final unterminated line is still yielded.
	for rest := source; rest != ""; {
		var line string
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i+1], rest[i+1:]
		} else {
			line, rest = rest, ""
		}
		m := importLine.FindStringSubmatch(line)
		if m == nil {
			b.WriteString(line)
			continue
		}
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		*libs = append(*libs, name)
		text, err := resolve(name)
		if err != nil {
			return fmt.Errorf("expanding %q: %w", name, err)
		}
		if err := expandInto(b, text, resolve, seen, libs); err != nil {
			return err
		}
		if !strings.HasSuffix(text, "\n") {
			b.WriteString("\n")
		}
	}
	return nil
}

// SHAKey returns the content hash of an expanded source: lowercase hex
// SHA-256.
func SHAKey(expanded string) string {
	sum := sha256.Sum256([]byte(expanded))
	return hex.EncodeToString(sum[:])
}
