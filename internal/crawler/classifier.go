package crawler

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// RobotsRules answers path allow/deny queries for a single host. A nil value
// means no restrictions apply.
type RobotsRules interface {
	PathAllowed(path string) bool
}

// Decision is the outcome of classifying a URL. Reason is set only when the
// URL is disallowed and names the first failing rule.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Classifier decides crawl eligibility for a job. It is compiled once per job
// start so pattern compilation does not happen per URL.
type Classifier struct {
	startHost    string
	restriction  DomainRestriction
	include      []glob.Glob
	exclude      []glob.Glob
	maxDepth     int
	contentTypes []string
}

// NewClassifier compiles the job's crawl scope rules.
func NewClassifier(cfg JobConfig) (*Classifier, error) {
	startHost, err := HostOf(cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("start url: %w", err)
	}
	include, err := compilePatterns(cfg.IncludePatterns)
	if err != nil {
		return nil, fmt.Errorf("include patterns: %w", err)
	}
	exclude, err := compilePatterns(cfg.ExcludePatterns)
	if err != nil {
		return nil, fmt.Errorf("exclude patterns: %w", err)
	}
	return &Classifier{
		startHost:    startHost,
		restriction:  cfg.DomainRestriction,
		include:      include,
		exclude:      exclude,
		maxDepth:     cfg.MaxDepth,
		contentTypes: cfg.ContentTypes,
	}, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// Classify evaluates scope rules in order: domain restriction, include
// patterns, exclude patterns, depth, content-type hint from the URL
// extension, then robots. Evaluation short-circuits at the first failure.
func (c *Classifier) Classify(rawURL string, depth int, rules RobotsRules) Decision {
	u, err := url.Parse(rawURL)
	if err != nil {
		return deny(fmt.Sprintf("unparseable URL: %v", err))
	}
	host := strings.ToLower(u.Hostname())

	if d := c.checkDomain(host); !d.Allowed {
		return d
	}
	if len(c.include) > 0 && !matchesAny(c.include, rawURL) {
		return deny("URL matches no include pattern")
	}
	if matchesAny(c.exclude, rawURL) {
		return deny("URL matches an exclude pattern")
	}
	if depth > c.maxDepth {
		return deny(fmt.Sprintf("depth %d exceeds max depth %d", depth, c.maxDepth))
	}
	if hint := GuessContentType(rawURL); hint != "" && !MatchesContentType(hint, c.contentTypes) {
		return deny(fmt.Sprintf("content type %s not in allowed set", hint))
	}
	if rules != nil && !rules.PathAllowed(pathWithQuery(u)) {
		return deny("disallowed by robots.txt")
	}
	return allow()
}

func (c *Classifier) checkDomain(host string) Decision {
	switch c.restriction {
	case DomainAny:
		return allow()
	case DomainSubdomains:
		if host == c.startHost || strings.HasSuffix(host, "."+c.startHost) {
			return allow()
		}
		return deny(fmt.Sprintf("host %s is not %s or a subdomain of it", host, c.startHost))
	default: // DomainSame
		if host == c.startHost {
			return allow()
		}
		return deny(fmt.Sprintf("host %s does not match start host %s", host, c.startHost))
	}
}

func matchesAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func pathWithQuery(u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}
