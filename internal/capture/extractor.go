// File: internal/capture/extractor.go
package capture

import "strings"

// Extractor recognizes agent output lines that name a finished image artifact.
type Extractor struct {
	Suffix string
}

// NewExtractor returns an extractor matching lines that end in suffix (e.g. ".jpg").
func NewExtractor(suffix string) Extractor {
	return Extractor{Suffix: suffix}
}

// Observe returns the image path named by line, if any. Non-matching lines are
// not errors; they are simply not candidates.
func (e Extractor) Observe(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || e.Suffix == "" {
		return "", false
	}
	if !strings.HasSuffix(line, e.Suffix) || line == e.Suffix {
		return "", false
	}
	return line, true
}

// PathRegister is a single-slot register for the discovered image path.
// Every Record overwrites the previous value (last write wins) until Seal is
// called, after which the register is read-only.
//
// A register belongs to one capture session and is not safe for concurrent use.
type PathRegister struct {
	path   string
	set    bool
	sealed bool
	writes int
}

// Record stores path, replacing any earlier value. It returns false once the
// register has been sealed.
func (r *PathRegister) Record(path string) bool {
	if r.sealed {
		return false
	}
	r.path = path
	r.set = true
	r.writes++
	return true
}

// Path returns the current value and whether one was ever recorded.
func (r *PathRegister) Path() (string, bool) {
	return r.path, r.set
}

// Overwrites reports how many recorded values were replaced by later ones.
func (r *PathRegister) Overwrites() int {
	if r.writes == 0 {
		return 0
	}
	return r.writes - 1
}

// Seal freezes the register.
func (r *PathRegister) Seal() { r.sealed = true }

// Sealed reports whether Seal has been called.
func (r *PathRegister) Sealed() bool { return r.sealed }
