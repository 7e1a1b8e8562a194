// Package discovery walks the configured backup roots and decides which
// files are copied into the working copy and which are written out as
// ignore patterns.
package discovery

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultMaxFileSize is the size ceiling above which files are excluded.
const DefaultMaxFileSize int64 = 100 * 1024 * 1024

// DefaultMinTextRatio is the minimum share of ASCII bytes for a file to be
// considered text.
const DefaultMinTextRatio = 0.8

// Reason explains why a file was excluded.
type Reason string

const (
	ReasonTooLarge Reason = "too-large"
	ReasonBinary   Reason = "binary"
	ReasonJunk     Reason = "junk"
)

// Options tunes the filter pipeline.
type Options struct {
	// MaxFileSize excludes files strictly larger than this many bytes.
	// Zero disables the check.
	MaxFileSize int64
	// MinTextRatio is the minimum fraction of bytes below 128 for a file
	// to count as text.
	MinTextRatio float64
	// JunkNames are exact base names that are always excluded.
	JunkNames []string
	// JunkSuffixes exclude any base name ending with one of them.
	JunkSuffixes []string
	// IgnoreFiles names the per-directory ignore-rule files to honor.
	IgnoreFiles []string
}

// DefaultOptions returns the stock filter configuration.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:  DefaultMaxFileSize,
		MinTextRatio: DefaultMinTextRatio,
		JunkNames:    []string{".DS_Store", "Thumbs.db"},
		JunkSuffixes: []string{".log"},
		IgnoreFiles:  []string{".gitignore", ".ignore"},
	}
}

// EligibleFile is a file that passed every filter.
type EligibleFile struct {
	Source string // absolute source path
	Dest   string // path relative to the working copy root
}

// Exclusion records a file rejected by the filter pipeline.
type Exclusion struct {
	Source  string
	Pattern string
	Reason  Reason
}

// EntryError is a per-entry walk failure. The entry is omitted from both
// output sets.
type EntryError struct {
	Path string
	Err  error
}

func (e EntryError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Result is the outcome of one discovery pass.
type Result struct {
	Eligible []EligibleFile
	Excluded []Exclusion
	Errors   []EntryError
}

// IgnorePatterns returns one root-anchored pattern per excluded file, in
// walk order.
func (r *Result) IgnorePatterns() []string {
	patterns := make([]string, 0, len(r.Excluded))
	for _, ex := range r.Excluded {
		patterns = append(patterns, ex.Pattern)
	}
	return patterns
}

// Collision describes two sources mapped onto the same destination.
type Collision struct {
	Dest   string
	First  string
	Second string
}

// CollisionError is returned when destination paths are not unique. A
// collision with an empty First is a source that would overwrite a path the
// working copy owns.
type CollisionError struct {
	Collisions []Collision
}

func (e *CollisionError) Error() string {
	parts := make([]string, 0, len(e.Collisions))
	for _, c := range e.Collisions {
		if c.First == "" {
			parts = append(parts, fmt.Sprintf("%s (reserved in the working copy, from %s)", c.Dest, c.Second))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (from %s and %s)", c.Dest, c.First, c.Second))
	}
	return "destination path collision: " + strings.Join(parts, "; ")
}

// Engine performs discovery passes over an afero filesystem.
type Engine struct {
	fs     afero.Fs
	opts   Options
	logger *slog.Logger
}

// NewEngine creates a discovery engine.
func NewEngine(fs afero.Fs, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		fs:     fs,
		opts:   opts,
		logger: logger,
	}
}

// Discover walks roots in order and classifies every regular file found.
// A non-nil *CollisionError is returned together with the (complete) result
// when two files map onto the same destination.
func (e *Engine) Discover(roots []string) (*Result, error) {
	res := &Result{}

	singleDir := false
	if len(roots) == 1 {
		if info, err := e.fs.Stat(roots[0]); err == nil && info.IsDir() {
			singleDir = true
		}
	}

	seen := make(map[string]string)
	var collisions []Collision

	for _, root := range roots {
		root = filepath.Clean(root)
		destBase := filepath.Dir(root)
		if singleDir {
			destBase = root
		}

		for _, f := range e.walkRoot(root, destBase, res) {
			if reservedDest(f.Dest) {
				collisions = append(collisions, Collision{Dest: f.Dest, Second: f.Source})
				continue
			}
			if prev, ok := seen[f.Dest]; ok {
				collisions = append(collisions, Collision{Dest: f.Dest, First: prev, Second: f.Source})
				continue
			}
			seen[f.Dest] = f.Source
			res.Eligible = append(res.Eligible, f)
		}
	}

	e.logger.Info("discovery finished",
		"eligible", len(res.Eligible),
		"excluded", len(res.Excluded),
		"errors", len(res.Errors))

	if len(collisions) > 0 {
		return res, &CollisionError{Collisions: collisions}
	}
	return res, nil
}

// reservedDest reports whether dest would overwrite the generated .gitignore
// or land inside the repository metadata.
func reservedDest(dest string) bool {
	d := filepath.ToSlash(dest)
	return d == ".gitignore" || d == ".git" || strings.HasPrefix(d, ".git/")
}

// walkRoot returns the eligible files under root; exclusions and errors are
// recorded on res directly. Paths are reported below root even when root
// itself is a symlink.
func (e *Engine) walkRoot(root, destBase string, res *Result) []EligibleFile {
	var eligible []EligibleFile
	rules := newRuleSet(e.fs, e.opts.IgnoreFiles)
	walkPath := e.resolveRoot(root)

	// Errors are collected per entry; returning nil keeps the walk going.
	_ = afero.Walk(e.fs, walkPath, func(walked string, info os.FileInfo, err error) error {
		rel, relErr := filepath.Rel(walkPath, walked)
		if relErr != nil {
			res.Errors = append(res.Errors, EntryError{Path: walked, Err: relErr})
			return nil
		}
		path := filepath.Join(root, rel)

		if err != nil {
			e.logger.Warn("skipping unreadable entry", "path", path, "error", err)
			res.Errors = append(res.Errors, EntryError{Path: path, Err: err})
			return nil
		}

		if info.IsDir() {
			if rel != "." {
				if info.Name() == ".git" || rules.ignored(rel, true) {
					return filepath.SkipDir
				}
			}
			if err := rules.load(path, rel); err != nil {
				e.logger.Warn("failed to read ignore rules", "dir", path, "error", err)
				res.Errors = append(res.Errors, EntryError{Path: path, Err: err})
			}
			return nil
		}

		if !info.Mode().IsRegular() {
			if rel == "." {
				res.Errors = append(res.Errors, EntryError{Path: path, Err: fmt.Errorf("not a regular file or directory")})
			}
			e.logger.Debug("skipping non-regular entry", "path", path, "mode", info.Mode().String())
			return nil
		}

		if rel != "." && (rules.isRuleFile(info.Name()) || rules.ignored(rel, false)) {
			return nil
		}

		if reason, excluded := e.classify(path, info); excluded {
			pattern := ignorePattern(root, path)
			e.logger.Info("excluding file", "path", path, "reason", string(reason))
			res.Excluded = append(res.Excluded, Exclusion{Source: path, Pattern: pattern, Reason: reason})
			return nil
		}

		dest, err := filepath.Rel(destBase, path)
		if err != nil {
			res.Errors = append(res.Errors, EntryError{Path: path, Err: err})
			return nil
		}
		e.logger.Debug("eligible file", "path", path, "dest", dest)
		eligible = append(eligible, EligibleFile{Source: path, Dest: dest})
		return nil
	})

	return eligible
}

// maxRootLinks bounds how many symlinks are followed when resolving a root.
const maxRootLinks = 40

// resolveRoot follows root while it is a symlink. Links below the root are
// never followed.
func (e *Engine) resolveRoot(root string) string {
	lr, ok := e.fs.(afero.LinkReader)
	if !ok {
		return root
	}
	resolved := root
	for i := 0; i < maxRootLinks; i++ {
		target, err := lr.ReadlinkIfPossible(resolved)
		if err != nil {
			break
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(resolved), target)
		}
		resolved = target
	}
	if resolved != root {
		e.logger.Debug("following symlinked root", "root", root, "target", resolved)
	}
	return resolved
}

// classify runs the filter pipeline; the first failing filter wins.
func (e *Engine) classify(path string, info os.FileInfo) (Reason, bool) {
	if e.opts.MaxFileSize > 0 && info.Size() > e.opts.MaxFileSize {
		return ReasonTooLarge, true
	}
	if e.isBinaryFile(path) {
		return ReasonBinary, true
	}
	if e.isJunk(filepath.Base(path)) {
		return ReasonJunk, true
	}
	return "", false
}

// isBinaryFile fails open: a file that cannot be read is treated as text and
// surfaces later as a copy error.
func (e *Engine) isBinaryFile(path string) bool {
	content, err := afero.ReadFile(e.fs, path)
	if err != nil {
		e.logger.Debug("cannot sample file content", "path", path, "error", err)
		return false
	}
	ratio := e.opts.MinTextRatio
	if ratio <= 0 {
		ratio = DefaultMinTextRatio
	}
	return isBinary(content, ratio)
}

func (e *Engine) isJunk(name string) bool {
	for _, junk := range e.opts.JunkNames {
		if name == junk {
			return true
		}
	}
	for _, suffix := range e.opts.JunkSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// IsBinary applies the default text heuristic to content.
func IsBinary(content []byte) bool {
	return isBinary(content, DefaultMinTextRatio)
}

func isBinary(content []byte, minTextRatio float64) bool {
	if len(content) == 0 {
		return false
	}
	if bytes.IndexByte(content, 0) >= 0 {
		return true
	}
	ascii := 0
	for _, b := range content {
		if b < 128 {
			ascii++
		}
	}
	return float64(ascii)/float64(len(content)) < minTextRatio
}

// ignorePattern anchors path to its root. A file root maps to its own base
// name; a path outside the root falls back to its absolute form.
func ignorePattern(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "/" + escapePattern(strings.TrimPrefix(filepath.ToSlash(path), "/"))
	}
	if rel == "." {
		rel = filepath.Base(path)
	}
	return "/" + escapePattern(filepath.ToSlash(rel))
}

// escapePattern makes every character of a slash path match literally in a
// gitignore line.
func escapePattern(p string) string {
	body := strings.TrimRight(p, " ")
	var b strings.Builder
	for _, r := range body {
		switch r {
		case '\\', '*', '?', '[', ']', '!', '#':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	// git strips unescaped trailing spaces
	for range len(p) - len(body) {
		b.WriteString("\\ ")
	}
	return b.String()
}
