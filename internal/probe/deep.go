package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

const maxManifestBytes = 2 << 20

// manifest fetches the whole HLS playlist and checks it actually lists variants or segments.
func (v *Validator) manifest(ctx context.Context, s strategy, target string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()
	req, err := v.newRequest(ctx, http.MethodGet, target)
	if err != nil {
		return "bad-url", false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return classifyErr(err), false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("status-%d", resp.StatusCode), false
	}
	return inspectManifest(io.LimitReader(resp.Body, maxManifestBytes))
}

// inspectManifest decodes an HLS playlist: a master needs a variant, a media playlist a segment.
func inspectManifest(r io.Reader) (string, bool) {
	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(r), false)
	if err != nil {
		return "manifest:unparseable", false
	}
	switch listType {
	case m3u8.MASTER:
		master := pl.(*m3u8.MasterPlaylist)
		n := 0
		for _, variant := range master.Variants {
			if variant != nil && variant.URI != "" {
				n++
			}
		}
		if n > 0 {
			return "manifest:master variants=" + strconv.Itoa(n), true
		}
		return "manifest:master empty", false
	case m3u8.MEDIA:
		media := pl.(*m3u8.MediaPlaylist)
		if n := media.Count(); n > 0 {
			return "manifest:media segments=" + strconv.FormatUint(uint64(n), 10), true
		}
		return "manifest:media empty", false
	}
	return "manifest:unknown", false
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
}

// runFFprobe opens the stream with ffprobe; any audio or video stream makes it valid.
func (v *Validator) runFFprobe(ctx context.Context, target string) (string, bool) {
	timeout := v.opts.Timeout
	args := []string{
		"-v", "error",
		"-rw_timeout", strconv.FormatInt(timeout.Microseconds(), 10),
		"-user_agent", v.opts.UserAgent,
		"-show_entries", "stream=codec_type,codec_name",
		"-of", "json",
		target,
	}
	ctx, cancel := context.WithTimeout(ctx, 2*timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, v.ffprobe, args...).Output()
	if err != nil {
		if ctx.Err() != nil {
			return "ffprobe:timeout", false
		}
		return "ffprobe:error", false
	}
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return "ffprobe:unparseable", false
	}
	var kinds []string
	for _, st := range res.Streams {
		if st.CodecType == "video" || st.CodecType == "audio" {
			kinds = append(kinds, st.CodecType+"/"+st.CodecName)
		}
	}
	if len(kinds) == 0 {
		return "ffprobe:no-streams", false
	}
	return "ffprobe:" + strings.Join(kinds, ","), true
}

// runYtDlp asks yt-dlp to resolve a playable URL without downloading.
func (v *Validator) runYtDlp(ctx context.Context, target string) (string, bool) {
	timeout := v.opts.Timeout
	args := []string{
		"--no-warnings", "--no-playlist", "--skip-download", "-g",
		"--socket-timeout", strconv.Itoa(int(timeout.Seconds()) + 1),
		target,
	}
	ctx, cancel := context.WithTimeout(ctx, 3*timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, v.ytdlp, args...).Output()
	if err != nil {
		if ctx.Err() != nil {
			return "yt-dlp:timeout", false
		}
		return "yt-dlp:error", false
	}
	if strings.TrimSpace(string(out)) == "" {
		return "yt-dlp:no-url", false
	}
	return "yt-dlp:resolved", true
}
