package engine

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules is the static conditional-approval rule set. Evaluation order is
// fixed: allow-listed file edits, feature-branch commits, test runs.
type Rules struct {
	FileEditPrefixes    []string `yaml:"file_edit_prefixes"`
	CommitBranchPattern string   `yaml:"commit_branch_pattern"`

	branchRe *regexp.Regexp
}

// DefaultRules returns the built-in rule set used when no policy file is
// configured.
func DefaultRules() *Rules {
	r := &Rules{
		FileEditPrefixes:    []string{"/tmp/", "/workspace/", "docs/"},
		CommitBranchPattern: `^/?(feature|feat|fix)/`,
	}
	r.branchRe = regexp.MustCompile(r.CommitBranchPattern)
	return r
}

// LoadRules reads a YAML policy file. Missing fields fall back to the
// defaults so a partial file stays usable.
func LoadRules(path string) (*Rules, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultRules(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := &Rules{}
	if err := yaml.Unmarshal(b, r); err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	def := DefaultRules()
	if len(r.FileEditPrefixes) == 0 {
		r.FileEditPrefixes = def.FileEditPrefixes
	}
	if strings.TrimSpace(r.CommitBranchPattern) == "" {
		r.CommitBranchPattern = def.CommitBranchPattern
	}
	re, err := regexp.Compile(r.CommitBranchPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid commit_branch_pattern: %w", err)
	}
	r.branchRe = re
	return r, nil
}

// Match applies the ordered rule set and returns the safeguards to
// attach on a conditional approval. Risk and confidence bounds are the
// caller's concern; Match only checks operation and scope.
func (r *Rules) Match(op Operation, scope string) (Safeguards, bool) {
	if r == nil {
		return Safeguards{}, false
	}
	scope = strings.TrimSpace(scope)

	if op == OpFileEdit {
		for _, p := range r.FileEditPrefixes {
			if p != "" && strings.HasPrefix(scope, p) {
				return Safeguards{ExtraLogging: true, Monitoring: true}, true
			}
		}
	}
	if op == OpCommit && r.branchRe != nil && r.branchRe.MatchString(scope) {
		return Safeguards{ExtraLogging: true}, true
	}
	if op == OpTestRun {
		return Safeguards{ExtraLogging: true}, true
	}
	return Safeguards{}, false
}
