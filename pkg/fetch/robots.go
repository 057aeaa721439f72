package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
)

const maxRobotsBytes = 512 << 10

// RobotsGuard fetches, caches and checks robots.txt per host. Any failure to
// obtain or parse the file is cached as "allow everything".
type RobotsGuard struct {
	client    *http.Client
	userAgent string
	log       *logrus.Entry

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData // scheme://host -> data, nil when unavailable
}

func NewRobotsGuard(client *http.Client, userAgent string, log *logrus.Entry) *RobotsGuard {
	return &RobotsGuard{
		client:    client,
		userAgent: userAgent,
		log:       log,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether the guard's user agent may fetch target
func (g *RobotsGuard) Allowed(ctx context.Context, target *url.URL) bool {
	data := g.robotsFor(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), g.userAgent)
}

func (g *RobotsGuard) robotsFor(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	key := target.Scheme + "://" + target.Host

	g.mu.Lock()
	data, found := g.cache[key]
	g.mu.Unlock()
	if found {
		return data
	}

	data = g.fetch(ctx, key+"/robots.txt")

	g.mu.Lock()
	g.cache[key] = data
	g.mu.Unlock()
	return data
}

func (g *RobotsGuard) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	log := g.log.WithField("robots_url", robotsURL)
	log.Debug("Fetching robots.txt")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		log.Warnf("Error creating robots.txt request: %v", err)
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		log.Warnf("Fetching robots.txt failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("robots.txt returned status %d, allowing all", resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		log.Warnf("Error reading robots.txt: %v", err)
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		log.Warnf("Error parsing robots.txt: %v", err)
		return nil
	}
	log.Info("Loaded robots.txt")
	return data
}
