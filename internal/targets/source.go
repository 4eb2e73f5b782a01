// Package targets supplies candidate addresses to the discovery
// engine, from a local newline-delimited list and from a one-shot
// scrape of public node directories.
package targets

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sybilscan/internal/domain"
)

// nodePattern matches host:port entries on the Monero P2P port range
// inside arbitrary page text.
var nodePattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}:1808[0-9]\b`)

// Source produces the target list for one crawl run.
type Source struct {
	// FilePath is the local target list; missing file means no file targets.
	FilePath string
	// PublicSources are directory URLs scraped for host:port entries.
	PublicSources []string
	// DefaultPort replaces missing or unparsable ports.
	DefaultPort uint16

	Client *http.Client
	Logger log.Logger
}

// Load gathers targets from the file and the public sources. Scrape
// failures are expected (directories come and go) and only reduce the
// target count; a file read error other than absence is returned.
func (s *Source) Load(ctx context.Context) ([]domain.Target, error) {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	var out []domain.Target

	if s.FilePath != "" {
		f, err := os.Open(s.FilePath)
		switch {
		case os.IsNotExist(err):
			level.Debug(logger).Log("msg", "no target file", "path", s.FilePath)
		case err != nil:
			return nil, err
		default:
			fileTargets := ParseList(f, s.DefaultPort)
			f.Close()
			level.Info(logger).Log("msg", "loaded targets from file", "path", s.FilePath, "count", len(fileTargets))
			out = append(out, fileTargets...)
		}
	}

	for _, url := range s.PublicSources {
		if ctx.Err() != nil {
			break
		}
		scraped := s.scrape(ctx, url)
		if len(scraped) > 0 {
			level.Info(logger).Log("msg", "scraped public directory", "url", url, "count", len(scraped))
		}
		out = append(out, scraped...)
	}

	return out, nil
}

// ParseList reads newline-delimited targets. Blank lines and lines
// starting with '#' are skipped.
func ParseList(r io.Reader, defaultPort uint16) []domain.Target {
	var out []domain.Target
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if tgt, ok := ParseLine(scanner.Text(), defaultPort); ok {
			out = append(out, tgt)
		}
	}
	return out
}

// ParseLine parses a single "host" or "host:port" entry. An
// unparsable port falls back to defaultPort rather than rejecting the
// entry. Returns false for blank lines and comments.
func ParseLine(line string, defaultPort uint16) (domain.Target, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return domain.Target{}, false
	}

	host := line
	port := defaultPort
	if idx := strings.LastIndexByte(line, ':'); idx >= 0 {
		host = line[:idx]
		if p, err := strconv.ParseUint(line[idx+1:], 10, 16); err == nil && p > 0 {
			port = uint16(p)
		}
	}
	if host == "" {
		return domain.Target{}, false
	}
	return domain.Target{Host: host, Port: port}, true
}

// scrape fetches one directory page and extracts host:port entries.
// All failures are swallowed: a dead directory is not an error.
func (s *Source) scrape(ctx context.Context, url string) []domain.Target {
	logger := s.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := client.Do(req)
	if err != nil {
		level.Debug(logger).Log("msg", "scrape failed", "url", url, "err", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		level.Debug(logger).Log("msg", "scrape failed", "url", url, "status", resp.StatusCode)
		return nil
	}

	// Directory pages are small; a 4MB cap guards against surprises.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil
	}

	var out []domain.Target
	for _, entry := range nodePattern.FindAllString(string(body), -1) {
		if tgt, ok := ParseLine(entry, s.DefaultPort); ok {
			out = append(out, tgt)
		}
	}
	return out
}
