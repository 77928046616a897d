package sync

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/hqcloud/hqsync/internal/utils"
	"github.com/hqcloud/hqsync/internal/workspace"
)

const ignoreCacheSize = 4096

var defaultIgnoreLines = []string{
	// hq reserved
	workspace.IgnoreFile,
	workspace.StateFileName,
	workspace.StateFileName + ".*",
	workspace.TrashDirName + "/",
	".hq.lock",
	".hqconflict.yaml",
	// vcs
	".git/",
	".svn/",
	".hg/",
	// build & artifacts
	"node_modules/",
	"__pycache__/",
	"*.py[cod]",
	".ipynb_checkpoints/",
	"dist/",
	"venv/",
	".venv/",
	// IDE/Editor-specific
	".vscode/",
	".idea/",
	"*.swp",
	"*~",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"Icon",
	// general excludes
	"*.tmp",
	"*.partial",
	"*.log",
	"logs/",
}

// Decision is the outcome of an ignore check. Rule holds the pattern text
// that matched when Ignored is true.
type Decision struct {
	Ignored bool
	Rule    string
}

type ignoreRules struct {
	gi    *gitignore.GitIgnore
	lines []string
	cache *lru.Cache[string, Decision]
}

func newIgnoreRules(lines []string) *ignoreRules {
	cache, _ := lru.New[string, Decision](ignoreCacheSize)
	return &ignoreRules{
		gi:    gitignore.CompileIgnoreLines(lines...),
		lines: lines,
		cache: cache,
	}
}

// Ignore decides which paths stay local. Rules follow gitignore semantics:
// last match wins, `!` re-includes, trailing `/` restricts to directories.
// The compiled ruleset swaps atomically on reload; the decision cache is
// tied to the ruleset so a swap never serves mixed results.
type Ignore struct {
	rules atomic.Pointer[ignoreRules]
}

// NewIgnore builds the engine from the bundled defaults plus extra patterns
// (loaded from the root's ignore file or configuration).
func NewIgnore(extra ...string) *Ignore {
	ig := &Ignore{}
	ig.Reload(extra)
	return ig
}

// Reload swaps in a fresh ruleset compiled from defaults plus extra.
// In-flight checks observe either the old or the new set, never a mix.
func (ig *Ignore) Reload(extra []string) {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(extra))
	lines = append(lines, defaultIgnoreLines...)
	lines = append(lines, extra...)
	ig.rules.Store(newIgnoreRules(lines))
}

// Check reports whether rel should be excluded from sync. Directory
// candidates are matched with a trailing slash so dir-only patterns apply.
func (ig *Ignore) Check(rel RelPath, isDir bool) Decision {
	rules := ig.rules.Load()

	key := string(rel)
	if isDir {
		key += "\x00d"
	}
	if d, ok := rules.cache.Get(key); ok {
		return d
	}

	path := string(rel)
	if isDir && !strings.HasSuffix(path, "/") {
		path += "/"
	}

	var d Decision
	matched, pattern := rules.gi.MatchesPathHow(path)
	if matched {
		d = Decision{Ignored: true}
		if pattern != nil {
			d.Rule = pattern.Line
		}
	}

	rules.cache.Add(key, d)
	return d
}

// ShouldIgnore is the boolean shorthand of Check.
func (ig *Ignore) ShouldIgnore(rel RelPath, isDir bool) bool {
	return ig.Check(rel, isDir).Ignored
}

// Rules returns the active pattern lines, defaults included.
func (ig *Ignore) Rules() []string {
	rules := ig.rules.Load()
	out := make([]string, len(rules.lines))
	copy(out, rules.lines)
	return out
}

// LoadIgnoreFile reads the root's ignore file. A missing file is not an
// error; blank lines and `#` comments are skipped.
func LoadIgnoreFile(rootDir string) ([]string, error) {
	ignorePath := filepath.Join(rootDir, workspace.IgnoreFile)
	if !utils.FileExists(ignorePath) {
		return nil, nil
	}

	file, err := os.Open(ignorePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", ignorePath, err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", ignorePath, err)
	}

	slog.Info("loaded ignore file", "path", ignorePath, "rules", len(lines))
	return lines, nil
}
