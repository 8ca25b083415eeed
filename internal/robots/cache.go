// Package robots fetches, parses, and caches robots.txt rules per host. The
// cache is shared across jobs so concurrent crawls of one domain trigger a
// single fetch within the TTL window.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/pagesmith/crawler/internal/crawler"
)

// DefaultTTL is how long parsed rules stay fresh before a lazy refresh.
const DefaultTTL = 24 * time.Hour

const maxRobotsBytes = 1 << 20

// Rules holds the parsed robots directives for one host. A Rules value with a
// nil group allows everything.
type Rules struct {
	group      *robotstxt.Group
	Sitemaps   []string
	CrawlDelay time.Duration
	FetchedAt  time.Time
	ExpiresAt  time.Time
}

// PathAllowed reports whether the crawler may fetch the given path.
func (r *Rules) PathAllowed(path string) bool {
	if r == nil || r.group == nil {
		return true
	}
	return r.group.Test(path)
}

// Cache is a host-keyed robots rule cache with lazy refresh.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	clock     crawler.Clock
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*hostEntry
}

// hostEntry serializes fetches per host so concurrent jobs share one request.
type hostEntry struct {
	mu    sync.Mutex
	rules *Rules
}

// New builds a Cache. A zero ttl falls back to DefaultTTL.
func New(userAgent string, ttl time.Duration, clock crawler.Clock, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		ttl:       ttl,
		clock:     clock,
		hosts:     make(map[string]*hostEntry),
		logger:    logger,
	}
}

// Rules returns the cached rules for host, fetching robots.txt when the entry
// is missing or expired. A failed or missing robots.txt degrades to
// allow-all; robots problems never block the crawl.
func (c *Cache) Rules(ctx context.Context, scheme, host string) *Rules {
	entry := c.entryFor(host)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := c.clock.Now()
	if entry.rules != nil && now.Before(entry.rules.ExpiresAt) {
		return entry.rules
	}

	rules, err := c.fetch(ctx, scheme, host, now)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("host", host),
			zap.Error(err),
		)
		rules = &Rules{FetchedAt: now, ExpiresAt: now.Add(c.ttl)}
	}
	entry.rules = rules
	return rules
}

func (c *Cache) entryFor(host string) *hostEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.hosts[host]
	if !ok {
		entry = &hostEntry{}
		c.hosts[host] = entry
	}
	return entry
}

func (c *Cache) fetch(ctx context.Context, scheme, host string, now time.Time) (*Rules, error) {
	if scheme == "" {
		scheme = "https"
	}
	robotsURL := url.URL{Scheme: scheme, Host: host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	rules := &Rules{FetchedAt: now, ExpiresAt: now.Add(c.ttl)}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Missing or erroring robots.txt means no restrictions.
		return rules, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	rules.Sitemaps = data.Sitemaps
	if group := data.FindGroup(c.userAgent); group != nil {
		rules.group = group
		rules.CrawlDelay = group.CrawlDelay
	}
	return rules, nil
}

// PurgeExpired drops stale entries. The orchestrator calls this opportunistically;
// correctness does not depend on it.
func (c *Cache) PurgeExpired() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, entry := range c.hosts {
		if entry.mu.TryLock() {
			if entry.rules != nil && now.After(entry.rules.ExpiresAt) {
				delete(c.hosts, host)
			}
			entry.mu.Unlock()
		}
	}
}
