// Package health checks a running harvester over HTTP (container health probes, smoke tests).
package health

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CheckEndpoints hits /healthz and /playlist.m3u at baseURL and returns the first error or nil.
// requirePlaylist=false accepts a 404 playlist (nothing validated yet).
func CheckEndpoints(ctx context.Context, baseURL string, requirePlaylist bool) error {
	client := &http.Client{Timeout: 5 * time.Second}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if err := checkHealthz(ctx, client, baseURL+"/healthz"); err != nil {
		return fmt.Errorf("/healthz: %w", err)
	}
	if err := checkPlaylist(ctx, client, baseURL+"/playlist.m3u", requirePlaylist); err != nil {
		return fmt.Errorf("/playlist.m3u: %w", err)
	}
	return nil
}

func checkHealthz(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if body.Status != "ok" {
		return fmt.Errorf("status %q", body.Status)
	}
	return nil
}

func checkPlaylist(ctx context.Context, client *http.Client, url string, required bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound && !required {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	line, _ := bufio.NewReader(resp.Body).ReadString('\n')
	if !strings.HasPrefix(strings.TrimPrefix(line, "\ufeff"), "#EXTM3U") {
		return fmt.Errorf("missing #EXTM3U header")
	}
	return nil
}
