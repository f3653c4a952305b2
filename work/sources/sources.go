package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"stream-checker/work/config"
	"stream-checker/work/logger"
	"stream-checker/work/utils"
)

// Entry is one playlist item discovered during a source refresh.
type Entry struct {
	Name  string
	URL   string
	Group string
}

// Manager refreshes the configured playlist sources. Sources are fetched in
// parallel on the shared worker pool; each source's failures only cost that
// source's entries.
type Manager struct {
	cfg        *config.Config
	httpClient *http.Client
	pool       *ants.Pool
}

func New(cfg *config.Config, pool *ants.Pool) *Manager {
	return &Manager{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		pool: pool,
	}
}

// Refresh fetches every configured source and returns the surviving entries
// keyed by source name. A source that fails to fetch or parse contributes an
// empty slice.
func (m *Manager) Refresh(ctx context.Context) map[string][]Entry {
	results := xsync.NewMapOf[string, []Entry]()
	done := make(chan struct{})
	pending := len(m.cfg.Sources)
	if pending == 0 {
		return map[string][]Entry{}
	}

	track := make(chan string, pending)
	for _, src := range m.cfg.Sources {
		src := src
		submit := func() {
			entries, err := m.fetchSource(ctx, src)
			if err != nil {
				logger.Warn("source %s refresh failed: %v", src.Name, err)
			}
			results.Store(src.Name, entries)
			track <- src.Name
		}
		if err := m.pool.Submit(submit); err != nil {
			// pool saturated or released, fetch inline
			submit()
		}
	}

	go func() {
		for i := 0; i < pending; i++ {
			<-track
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	out := make(map[string][]Entry, results.Size())
	results.Range(func(name string, entries []Entry) bool {
		out[name] = entries
		return true
	})
	return out
}

func (m *Manager) fetchSource(ctx context.Context, src config.SourceConfig) ([]Entry, error) {
	logger.Debug("refreshing source %s from %s", src.Name, utils.LogURL(m.cfg, src.URL))

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	ua := src.UserAgent
	if ua == "" {
		ua = m.cfg.Analysis.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "*/*")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist fetch returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}

	entries := parsePlaylist(body, src)
	entries = filterEntries(entries, src)
	logger.Info("source %s: %d entries after filtering", src.Name, len(entries))
	return entries, nil
}

// parsePlaylist decodes with the grafov parser first and falls back to a
// line-oriented EXTINF scan for the malformed playlists many providers serve.
func parsePlaylist(body []byte, src config.SourceConfig) []Entry {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), true)
	if err == nil {
		if entries := entriesFromGrafov(playlist, listType, src); len(entries) > 0 {
			return entries
		}
	} else {
		logger.Debug("grafov parser failed for %s, using fallback: %v", src.Name, err)
	}
	return parseFallback(bytes.NewReader(body))
}

func entriesFromGrafov(playlist m3u8.Playlist, listType m3u8.ListType, src config.SourceConfig) []Entry {
	var entries []Entry
	switch listType {
	case m3u8.MEDIA:
		entries = append(entries, Entry{Name: src.Name, URL: src.URL})
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		for _, variant := range master.Variants {
			if variant == nil {
				break
			}
			name := variant.Name
			if name == "" && variant.Resolution != "" {
				name = "Stream_" + variant.Resolution
			} else if name == "" {
				name = fmt.Sprintf("Stream_%d", variant.Bandwidth)
			}
			entries = append(entries, Entry{Name: name, URL: variant.URI})
		}
	}
	return entries
}

func parseFallback(reader io.Reader) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var attrs map[string]string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#EXTINF:") {
			attrs = parseEXTINF(line)
		} else if attrs != nil && (strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")) {
			name := attrs["tvg-name"]
			if name == "" {
				name = attrs["display-name"]
			}
			if name == "" {
				name = "Unknown"
			}
			entries = append(entries, Entry{
				Name:  name,
				URL:   line,
				Group: attrs["group-title"],
			})
			attrs = nil
		}
	}
	return entries
}

// parseEXTINF splits an EXTINF line into its key=value attributes plus the
// display name after the last unquoted comma.
func parseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}
	if lastComma == -1 {
		return attrs
	}

	attrPart := strings.TrimSpace(line[:lastComma])
	attrs["display-name"] = strings.TrimSpace(line[lastComma+1:])

	parts := splitAttrs(attrPart)
	if len(parts) > 0 {
		attrs["duration"] = parts[0]
	}
	for _, part := range parts[1:] {
		if eq := strings.Index(part, "="); eq != -1 {
			attrs[part[:eq]] = strings.Trim(part[eq+1:], `"`)
		}
	}
	return attrs
}

// splitAttrs splits on spaces outside double quotes so quoted attribute
// values containing spaces survive.
func splitAttrs(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// filterEntries applies the source's group filter and name match pattern.
// Invalid patterns disable their filter rather than dropping everything.
func filterEntries(entries []Entry, src config.SourceConfig) []Entry {
	var groupRe, matchRe *regexp.Regexp
	var err error

	if src.GroupFilter != "" {
		groupRe, err = regexp.Compile("(?i)" + src.GroupFilter)
		if err != nil {
			logger.Warn("source %s: invalid group filter %q: %v", src.Name, src.GroupFilter, err)
			groupRe = nil
		}
	}
	if src.MatchPattern != "" {
		matchRe, err = regexp.Compile("(?i)" + src.MatchPattern)
		if err != nil {
			logger.Warn("source %s: invalid match pattern %q: %v", src.Name, src.MatchPattern, err)
			matchRe = nil
		}
	}
	if groupRe == nil && matchRe == nil {
		return entries
	}

	out := entries[:0]
	for _, e := range entries {
		if groupRe != nil && !groupRe.MatchString(e.Group) {
			continue
		}
		if matchRe != nil && !matchRe.MatchString(e.Name) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// MatchToChannels assigns discovered entries to channels by normalized name
// and returns the per-channel counts of matched entries. Channels with no
// match are absent from the result.
func MatchToChannels(bySource map[string][]Entry, channels []ChannelRef) map[int]int {
	norm := make(map[string]int, len(channels))
	for _, ch := range channels {
		norm[normalizeName(ch.Name)] = ch.ID
	}

	counts := make(map[int]int)
	for _, entries := range bySource {
		for _, e := range entries {
			if id, ok := norm[normalizeName(e.Name)]; ok {
				counts[id]++
			}
		}
	}
	return counts
}

// ChannelRef is the minimal channel identity needed for matching.
type ChannelRef struct {
	ID   int
	Name string
}

var nameJunkRe = regexp.MustCompile(`[^a-z0-9]+`)

func normalizeName(name string) string {
	return strings.TrimSpace(nameJunkRe.ReplaceAllString(strings.ToLower(name), " "))
}
