package discovery

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/giterdone/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFiles(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for path, content := range files {
		require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
	}
}

func dests(files []EligibleFile) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, filepath.ToSlash(f.Dest))
	}
	return out
}

func TestDiscover_FilterPipeline(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/data/notes.txt":     "plain text notes\n",
		"/data/big.txt":       strings.Repeat("a", 65),
		"/data/nul.bin":       "abc\x00def",
		"/data/latin.txt":     "ab" + strings.Repeat("\xe9", 8),
		"/data/.DS_Store":     "finder",
		"/data/Thumbs.db":     "thumbs",
		"/data/app.log":       "log line\n",
		"/data/empty.txt":     "",
		"/data/sub/readme.md": "# readme\n",
	})

	opts := DefaultOptions()
	opts.MaxFileSize = 64
	res, err := NewEngine(fs, opts, testLogger()).Discover([]string{"/data"})
	require.NoError(t, err)

	assert.Equal(t, []string{"empty.txt", "notes.txt", "sub/readme.md"}, dests(res.Eligible))
	assert.Equal(t, []string{
		"/.DS_Store",
		"/Thumbs.db",
		"/app.log",
		"/big.txt",
		"/latin.txt",
		"/nul.bin",
	}, res.IgnorePatterns())

	reasons := make(map[string]Reason)
	for _, ex := range res.Excluded {
		reasons[filepath.Base(ex.Source)] = ex.Reason
	}
	assert.Equal(t, map[string]Reason{
		".DS_Store": ReasonJunk,
		"Thumbs.db": ReasonJunk,
		"app.log":   ReasonJunk,
		"big.txt":   ReasonTooLarge,
		"latin.txt": ReasonBinary,
		"nul.bin":   ReasonBinary,
	}, reasons)
	assert.Empty(t, res.Errors)
}

func TestDiscover_SizeCheckComesFirst(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/data/huge.log": "x\x00" + strings.Repeat("y", 100),
	})

	opts := DefaultOptions()
	opts.MaxFileSize = 10
	res, err := NewEngine(fs, opts, testLogger()).Discover([]string{"/data"})
	require.NoError(t, err)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, ReasonTooLarge, res.Excluded[0].Reason)
}

func TestDiscover_EveryExclusionAppearsOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/root/a/one.log":  "x",
		"/root/a/two.log":  "x",
		"/root/b/one.log":  "x",
		"/root/b/keep.txt": "keep",
	})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).Discover([]string{"/root"})
	require.NoError(t, err)

	patterns := res.IgnorePatterns()
	assert.Len(t, patterns, len(res.Excluded))
	counts := make(map[string]int)
	for _, p := range patterns {
		assert.True(t, strings.HasPrefix(p, "/"), "pattern %q not anchored", p)
		counts[p]++
	}
	for p, n := range counts {
		assert.Equal(t, 1, n, "pattern %q emitted %d times", p, n)
	}
	assert.Equal(t, []string{"/a/one.log", "/a/two.log", "/b/one.log"}, patterns)
}

func TestDiscover_SingleRootRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/home/u/dotfiles/.bashrc":           "export A=1\n",
		"/home/u/dotfiles/nvim/init.lua":     "-- init\n",
		"/home/u/dotfiles/nvim/lua/plug.lua": "-- plug\n",
	})

	root := "/home/u/dotfiles"
	res, err := NewEngine(fs, DefaultOptions(), testLogger()).Discover([]string{root})
	require.NoError(t, err)
	require.Len(t, res.Eligible, 3)

	for _, f := range res.Eligible {
		assert.Equal(t, f.Source, filepath.Join(root, f.Dest))
	}
}

func TestDiscover_MultiRootKeepsRootNames(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/a/proj/config.yaml":  "a: 1\n",
		"/b/other/config.yaml": "b: 2\n",
		"/c/settings.json":     "{}\n",
	})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).
		Discover([]string{"/a/proj", "/b/other", "/c/settings.json"})
	require.NoError(t, err)
	assert.Equal(t, []string{"proj/config.yaml", "other/config.yaml", "settings.json"}, dests(res.Eligible))
}

func TestDiscover_SingleFileRootKeepsFilename(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{"/etc/hosts": "127.0.0.1 localhost\n"})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).Discover([]string{"/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hosts"}, dests(res.Eligible))
}

func TestDiscover_CollisionIsAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/a/proj/x.txt": "one",
		"/b/proj/x.txt": "two",
	})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).Discover([]string{"/a/proj", "/b/proj"})
	require.Error(t, err)

	var collision *CollisionError
	require.True(t, errors.As(err, &collision))
	require.Len(t, collision.Collisions, 1)
	assert.Equal(t, filepath.FromSlash("proj/x.txt"), collision.Collisions[0].Dest)
	assert.Equal(t, "/a/proj/x.txt", collision.Collisions[0].First)
	assert.Equal(t, "/b/proj/x.txt", collision.Collisions[0].Second)
	assert.Len(t, res.Eligible, 1, "first source keeps the destination")
}

func TestDiscover_NestedIgnoreFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/w/.gitignore":              "*.tmp\nbuild/\n",
		"/w/a.tmp":                   "scratch",
		"/w/build/out.txt":           "artifact",
		"/w/secret.txt":              "top-level is fine",
		"/w/sub/.gitignore":          "!keep.tmp\nsecret.txt\n",
		"/w/sub/keep.tmp":            "re-included",
		"/w/sub/drop.tmp":            "still ignored",
		"/w/sub/secret.txt":          "ignored here",
		"/w/sub/deeper/secret.txt":   "ignored below too",
		"/w/sub/deeper/.ignore":      "/local.txt\n",
		"/w/sub/deeper/local.txt":    "anchored to deeper",
		"/w/sub/deeper/x/local.txt":  "not anchored here",
		"/w/.git/config":             "[core]\n",
		"/w/.git/objects/aa/deadbee": "blob",
	})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).Discover([]string{"/w"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"secret.txt",
		"sub/deeper/x/local.txt",
		"sub/keep.tmp",
	}, dests(res.Eligible))
	assert.Empty(t, res.Excluded, "ignored entries are skipped, not excluded")
}

func TestDiscover_MissingRootDoesNotAbort(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{"/ok/file.txt": "ok"})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).Discover([]string{"/missing", "/ok"})
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "/missing", res.Errors[0].Path)
	assert.Equal(t, []string{"ok/file.txt"}, dests(res.Eligible))
}

func TestDiscover_TwoFileRootsWithLargeFile(t *testing.T) {
	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	big := filepath.Join(dir, "bigfile.bin")
	require.NoError(t, os.WriteFile(notes, []byte("remember the milk\n"), 0o644))

	f, err := os.Create(big)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(150*1024*1024))
	require.NoError(t, f.Close())

	res, err := NewEngine(afero.NewOsFs(), DefaultOptions(), testLogger()).Discover([]string{notes, big})
	require.NoError(t, err)

	require.Len(t, res.Eligible, 1)
	assert.Equal(t, notes, res.Eligible[0].Source)
	assert.Equal(t, "notes.txt", res.Eligible[0].Dest)

	require.Len(t, res.Excluded, 1)
	assert.Equal(t, ReasonTooLarge, res.Excluded[0].Reason)
	assert.Equal(t, []string{"/bigfile.bin"}, res.IgnorePatterns())
}

func TestDiscover_SkipsSymlinks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.txt")
	require.NoError(t, os.WriteFile(target, []byte("real"), 0o644))
	if err := os.Symlink(target, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	if err := os.Symlink(filepath.Join(dir, "gone"), filepath.Join(dir, "broken")); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}

	res, err := NewEngine(afero.NewOsFs(), DefaultOptions(), testLogger()).Discover([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"real.txt"}, dests(res.Eligible))
	assert.Empty(t, res.Excluded)
}

func TestDiscover_FollowsSymlinkedRoot(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	writeFiles(t, afero.NewOsFs(), map[string]string{
		filepath.Join(target, "notes.txt"):        "notes\n",
		filepath.Join(target, "nvim", "init.lua"): "-- init\n",
		filepath.Join(dir, "extra.txt"):           "extra\n",
	})
	link := filepath.Join(dir, "dotfiles")
	if err := os.Symlink("real", link); err != nil {
		t.Skipf("symlinks not supported: %v", err)
	}
	engine := NewEngine(afero.NewOsFs(), DefaultOptions(), testLogger())

	t.Run("single root", func(t *testing.T) {
		res, err := engine.Discover([]string{link})
		require.NoError(t, err)
		assert.Empty(t, res.Errors)
		assert.Equal(t, []string{"notes.txt", "nvim/init.lua"}, dests(res.Eligible))
		for _, f := range res.Eligible {
			assert.Equal(t, filepath.Join(link, f.Dest), f.Source)
		}
	})

	t.Run("multi root", func(t *testing.T) {
		res, err := engine.Discover([]string{link, filepath.Join(dir, "extra.txt")})
		require.NoError(t, err)
		assert.Empty(t, res.Errors)
		assert.Equal(t, []string{"dotfiles/notes.txt", "dotfiles/nvim/init.lua", "extra.txt"}, dests(res.Eligible))
	})
}

func TestDiscover_ReservedDestinations(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFiles(t, fs, map[string]string{
		"/home/u/.gitignore":    "*.o\n",
		"/home/u/notes.txt":     "notes",
		"/srv/repo/.git/config": "[core]\n",
	})

	res, err := NewEngine(fs, DefaultOptions(), testLogger()).
		Discover([]string{"/home/u/.gitignore", "/home/u/notes.txt", "/srv/repo/.git"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")

	var collision *CollisionError
	require.True(t, errors.As(err, &collision))
	require.Len(t, collision.Collisions, 2)
	assert.Equal(t, ".gitignore", collision.Collisions[0].Dest)
	assert.Empty(t, collision.Collisions[0].First)
	assert.Equal(t, "/home/u/.gitignore", collision.Collisions[0].Second)
	assert.Equal(t, filepath.FromSlash(".git/config"), collision.Collisions[1].Dest)
	assert.Equal(t, []string{"notes.txt"}, dests(res.Eligible))
}

func skipIfRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
}

func TestDiscover_UnreadableFileFailsOpen(t *testing.T) {
	skipIfRoot(t)
	dir := t.TempDir()
	locked := filepath.Join(dir, "locked.txt")
	// Readable, this content would be classified as binary.
	require.NoError(t, os.WriteFile(locked, []byte("\x00\x00\x00"), 0o644))
	require.NoError(t, os.Chmod(locked, 0o000))

	res, err := NewEngine(afero.NewOsFs(), DefaultOptions(), testLogger()).Discover([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"locked.txt"}, dests(res.Eligible))
	assert.Empty(t, res.Excluded)
	assert.Empty(t, res.Errors)
}

func TestDiscover_UnreadableDirectoryIsRecorded(t *testing.T) {
	skipIfRoot(t)
	dir := t.TempDir()
	writeFiles(t, afero.NewOsFs(), map[string]string{
		filepath.Join(dir, "a.txt"):              "a",
		filepath.Join(dir, "private", "key.txt"): "secret",
		filepath.Join(dir, "z.txt"):              "z",
	})
	private := filepath.Join(dir, "private")
	require.NoError(t, os.Chmod(private, 0o000))
	t.Cleanup(func() { _ = os.Chmod(private, 0o755) })

	res, err := NewEngine(afero.NewOsFs(), DefaultOptions(), testLogger()).Discover([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "z.txt"}, dests(res.Eligible))

	var paths []string
	for _, entryErr := range res.Errors {
		paths = append(paths, entryErr.Path)
	}
	assert.Contains(t, paths, private)
}

func TestIgnorePatterns_GitMatchesOnlyExcludedFiles(t *testing.T) {
	testutil.RequireGit(t)

	src := t.TempDir()
	files := map[string]string{
		"notes[1].txt": "bin\x00ary",
		"notes1.txt":   "plain text\n",
		"a*b.dat":      "\x00",
		"axxb.dat":     "plain text\n",
		"what?.dat":    "\x00",
		"whatX.dat":    "plain text\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(content), 0o644))
	}

	res, err := NewEngine(afero.NewOsFs(), DefaultOptions(), testLogger()).Discover([]string{src})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"notes1.txt", "axxb.dat", "whatX.dat"}, dests(res.Eligible))
	require.Len(t, res.Excluded, 3)

	repo := t.TempDir()
	env := testutil.GitEnv(t.TempDir())
	testutil.Git(t, env, repo, "init", "-q")
	ignoreFile := strings.Join(res.IgnorePatterns(), "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".gitignore"), []byte(ignoreFile), 0o644))
	for name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(repo, name), nil, 0o644))
	}

	for _, f := range res.Eligible {
		assert.False(t, gitIgnores(t, env, repo, f.Dest), "%s must stay tracked", f.Dest)
	}
	for _, ex := range res.Excluded {
		name := filepath.Base(ex.Source)
		assert.True(t, gitIgnores(t, env, repo, name), "%s must be ignored", name)
	}
}

// gitIgnores reports whether git check-ignore matches name in dir.
func gitIgnores(t *testing.T, env []string, dir, name string) bool {
	t.Helper()
	cmd := exec.Command("git", "check-ignore", "-q", "--", name)
	cmd.Dir = dir
	cmd.Env = env
	err := cmd.Run()
	if err == nil {
		return true
	}
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "git check-ignore: %v", err)
	require.Equal(t, 1, exitErr.ExitCode(), "git check-ignore %s", name)
	return false
}

func TestIsBinary(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    bool
	}{
		{name: "empty", content: nil, want: false},
		{name: "ascii", content: []byte("hello world\n"), want: false},
		{name: "null byte", content: []byte("hello\x00world"), want: true},
		{name: "exactly 80 percent ascii", content: append(bytes.Repeat([]byte("a"), 8), 0xff, 0xfe), want: false},
		{name: "below 80 percent ascii", content: append(bytes.Repeat([]byte("a"), 7), 0xff, 0xfe, 0xfd), want: true},
		{name: "utf-8 heavy text", content: []byte("日本語のテキスト"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBinary(tt.content))
		})
	}
}

func TestIgnorePattern(t *testing.T) {
	tests := []struct {
		name string
		root string
		path string
		want string
	}{
		{name: "nested file", root: "/data", path: "/data/a/b.log", want: "/a/b.log"},
		{name: "file root", root: "/data/big.bin", path: "/data/big.bin", want: "/big.bin"},
		{name: "outside root", root: "/data", path: "/elsewhere/x.log", want: "/elsewhere/x.log"},
		{name: "brackets", root: "/data", path: "/data/notes[1].txt", want: `/notes\[1\].txt`},
		{name: "wildcards and negation", root: "/data", path: "/data/sub/!a*b?.bin", want: `/sub/\!a\*b\?.bin`},
		{name: "comment marker", root: "/data", path: "/data/#draft#", want: `/\#draft\#`},
		{name: "backslash", root: "/data", path: `/data/a\b.bin`, want: `/a\\b.bin`},
		{name: "trailing spaces", root: "/data", path: "/data/odd  ", want: `/odd\ \ `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ignorePattern(tt.root, tt.path))
		})
	}
}

func TestRebase(t *testing.T) {
	tests := []struct {
		line string
		dir  string
		want string
		ok   bool
	}{
		{line: "*.tmp", dir: ".", want: "*.tmp", ok: true},
		{line: "# comment", dir: "sub", ok: false},
		{line: "   ", dir: "sub", ok: false},
		{line: "/local.txt", dir: "sub/deeper", want: "/sub/deeper/local.txt", ok: true},
		{line: "docs/*.md", dir: "sub", want: "/sub/docs/*.md", ok: true},
		{line: "build/", dir: "sub", want: "/sub/**/build/", ok: true},
		{line: "!keep.tmp", dir: "sub", want: "!/sub/**/keep.tmp", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.dir+":"+tt.line, func(t *testing.T) {
			got, ok := rebase(tt.line, tt.dir)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
