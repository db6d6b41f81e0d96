package policy

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// reloadDelay debounces bursts of policy file events.
const reloadDelay = 500 * time.Millisecond

// Loader reads site policies from disk. A .rego file is one policy named
// after the file. A .yaml, .yml or .json file holds either one policy or a
// list of them under a policies key.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a loader that logs through logger.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy file found at paths, descending into
// directories. Policy names must be unique across all of them.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	origin := make(map[string]string)

	for _, root := range paths {
		files, err := policyFiles(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}
		for _, file := range files {
			policies, err := l.loadFromFile(file)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
			}
			for _, p := range policies {
				if prev, dup := origin[p.Name]; dup {
					return nil, fmt.Errorf("policy %s defined in both %s and %s", p.Name, prev, p.Source)
				}
				origin[p.Name] = p.Source
			}
			all = append(all, policies...)
		}
	}

	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded from paths")
	return all, nil
}

// policyFiles lists root itself when it is a file, or the policy files
// below it when it is a directory.
func policyFiles(ctx context.Context, root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		policies = []Policy{parseRegoFile(path, data)}
	case ".yaml", ".yml", ".json":
		if policies, err = parseDefinitionFile(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	for _, p := range policies {
		l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	}
	return policies, nil
}

// parseRegoFile turns a .rego file into a Policy named after the file. The
// leading comment block is its description, and a "# severity: error" line
// in it overrides the default warning severity.
func parseRegoFile(path string, data []byte) Policy {
	content := string(data)
	description, severity := parseHeader(content)
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}
}

// parseDefinitionFile decodes a policy definition file. JSON is read by the
// same YAML decoder.
func parseDefinitionFile(path string, data []byte) ([]Policy, error) {
	var bundle struct {
		Policies []yaml.Node `yaml:"policies"`
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("policy file %s is empty", path)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := root.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}

	nodes := bundle.Policies
	if nodes == nil {
		nodes = []yaml.Node{root}
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	policies := make([]Policy, 0, len(nodes))
	for i := range nodes {
		p := Policy{Enabled: true}
		if err := nodes[i].Decode(&p); err != nil {
			return nil, fmt.Errorf("failed to parse policy file: %w", err)
		}
		if p.Name == "" {
			if len(nodes) > 1 {
				return nil, fmt.Errorf("policy %d in %s has no name", i+1, path)
			}
			p.Name = base
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		p.Source = path
		policies = append(policies, p)
	}
	return policies, nil
}

// parseHeader reads the leading comment block of a Rego module.
func parseHeader(content string) (string, Severity) {
	var words []string
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)
		if v, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(v))
		} else if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

// Watch hands freshly loaded policies to reloadFn after each burst of
// changes to policy files below paths. A reload that fails to load or apply
// is logged and the previous policies stay in force. Watch blocks until ctx
// is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dirs, err := watchDirs(paths)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}
	l.logger.Info().Int("paths", len(paths)).Int("dirs", len(dirs)).Msg("Watching policy paths")

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&relevant != 0 && isPolicyFile(event.Name) {
				l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")
				timer.Reset(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		case <-timer.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = reloadFn(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies, keeping the current set")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
		}
	}
}

// watchDirs returns every directory below paths. A file path contributes
// its parent directory.
func watchDirs(paths []string) ([]string, error) {
	var dirs []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.IsDir() {
			dirs = append(dirs, filepath.Dir(path))
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				dirs = append(dirs, p)
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}
	return dirs, nil
}
