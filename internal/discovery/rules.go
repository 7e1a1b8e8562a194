package discovery

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// ruleSet tracks the ignore rules in effect for every directory visited in
// one root. Rules from a directory are rebased onto the root and appended to
// the rules of its parent, so the last matching line decides, as in git.
type ruleSet struct {
	fs        afero.Fs
	fileNames []string
	lines     map[string][]string
	matchers  map[string]*ignore.GitIgnore
}

func newRuleSet(fs afero.Fs, fileNames []string) *ruleSet {
	return &ruleSet{
		fs:        fs,
		fileNames: fileNames,
		lines:     make(map[string][]string),
		matchers:  make(map[string]*ignore.GitIgnore),
	}
}

// load reads the ignore files of dir (rel is dir relative to the root) and
// compiles the matcher for entries directly inside it.
func (r *ruleSet) load(dir, rel string) error {
	var lines []string
	if rel != "." {
		lines = append(lines, r.lines[filepath.Dir(rel)]...)
	}

	var errs []error
	for _, name := range r.fileNames {
		content, err := afero.ReadFile(r.fs, filepath.Join(dir, name))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		for _, line := range strings.Split(string(content), "\n") {
			if rebased, ok := rebase(line, rel); ok {
				lines = append(lines, rebased)
			}
		}
	}

	r.lines[rel] = lines
	if len(lines) > 0 {
		r.matchers[rel] = ignore.CompileIgnoreLines(lines...)
	}
	return errors.Join(errs...)
}

// ignored reports whether the entry at rel (relative to the root) is
// excluded by the rules of its parent directory.
func (r *ruleSet) ignored(rel string, isDir bool) bool {
	m, ok := r.matchers[filepath.Dir(rel)]
	if !ok {
		return false
	}
	p := filepath.ToSlash(rel)
	if isDir {
		p += "/"
	}
	return m.MatchesPath(p)
}

func (r *ruleSet) isRuleFile(name string) bool {
	for _, n := range r.fileNames {
		if n == name {
			return true
		}
	}
	return false
}

// rebase rewrites an ignore line found in dir so it keeps its meaning when
// evaluated against paths relative to the walk root.
func rebase(line, dir string) (string, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	if dir == "." {
		return line, true
	}

	negate := ""
	if strings.HasPrefix(line, "!") {
		negate = "!"
		line = line[1:]
	}

	prefix := "/" + filepath.ToSlash(dir)
	body := strings.TrimSuffix(line, "/")
	switch {
	case strings.HasPrefix(line, "/"):
		return negate + prefix + line, true
	case strings.Contains(body, "/"):
		return negate + prefix + "/" + line, true
	default:
		return negate + prefix + "/**/" + line, true
	}
}
