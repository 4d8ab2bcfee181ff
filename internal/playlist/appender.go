package playlist

import (
	"fmt"
	"os"
	"sync"
)

// Appender adds single entries to the playlist file as they are validated.
// It keeps the set of URLs already in the file so Append is idempotent without rescanning.
type Appender struct {
	mu      sync.Mutex
	path    string
	written map[string]struct{}
}

// OpenAppender ensures the file has a header and seeds the written-URL set with one scan.
func OpenAppender(path string, epgURLs []string) (*Appender, error) {
	if err := EnsureHeader(path, epgURLs); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("playlist: seed %s: %w", path, err)
	}
	a := &Appender{path: path}
	a.reset(scanURLs(data))
	if len(data) > 0 && data[len(data)-1] != '\n' {
		if err := a.write([]byte("\n")); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Append writes one entry unless url is already in the file.
// Returns true when a line pair was written.
func (a *Appender) Append(url, title, logo string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.written[url]; ok {
		return false, nil
	}
	if err := a.write([]byte(formatEntry(url, title, logo))); err != nil {
		return false, err
	}
	a.written[url] = struct{}{}
	return true, nil
}

// Rewrite replaces the file atomically with data and re-seeds the written-URL set
// from it. Appends wait for the rewrite, so none land in the replaced file.
func (a *Appender) Rewrite(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := WriteFile(a.path, data); err != nil {
		return err
	}
	a.reset(scanURLs(data))
	return nil
}

func (a *Appender) reset(urls []string) {
	a.written = make(map[string]struct{}, len(urls))
	for _, u := range urls {
		a.written[u] = struct{}{}
	}
}

func (a *Appender) write(b []byte) error {
	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("playlist: append %s: %w", a.path, err)
	}
	_, werr := f.Write(b)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("playlist: append %s: %w", a.path, werr)
	}
	if cerr != nil {
		return fmt.Errorf("playlist: append %s: %w", a.path, cerr)
	}
	return nil
}
