package indexer

import (
	"testing"
)

func TestExtract_empty(t *testing.T) {
	res := Extract(nil, "")
	if len(res.Entries) != 0 || len(res.Playlists) != 0 {
		t.Errorf("expected empty; got %+v", res)
	}
}

func TestExtract_entries(t *testing.T) {
	m3u := `#EXTM3U x-tvg-url="http://epg"
#EXTINF:-1 tvg-id="x" tvg-name="Channel 1" tvg-logo="http://img/1.png",Live One
http://example.com/live1.ts
#EXTINF:-1 tvg-logo='http://img/2.png',Two
#EXTVLCOPT:http-user-agent=VLC
http://example.com/two.m3u8

#EXTINF:-1,Rtmp Three
rtmp://live.example.com/app/three
`
	res := Extract([]byte(m3u), "http://example.com/list.m3u")
	want := []Entry{
		{URL: "http://example.com/live1.ts", Title: "Live One", Logo: "http://img/1.png"},
		{URL: "http://example.com/two.m3u8", Title: "Two", Logo: "http://img/2.png"},
		{URL: "rtmp://live.example.com/app/three", Title: "Rtmp Three"},
	}
	if len(res.Entries) != len(want) {
		t.Fatalf("entries = %+v", res.Entries)
	}
	for i := range want {
		if res.Entries[i] != want[i] {
			t.Errorf("entry[%d] = %+v, want %+v", i, res.Entries[i], want[i])
		}
	}
	if len(res.Playlists) != 0 {
		t.Errorf("playlists = %q", res.Playlists)
	}
}

func TestExtract_nestedPlaylistExcluded(t *testing.T) {
	m3u := `#EXTM3U
http://example.com/more.m3u
#EXTINF:-1,Real Channel
http://example.com/stream.m3u8
relative/other.m3u8
http://example.com/bare.ts
`
	res := Extract([]byte(m3u), "http://example.com/dir/index.m3u")
	for _, e := range res.Entries {
		if e.URL == "http://example.com/more.m3u" || e.URL == "http://example.com/dir/relative/other.m3u8" {
			t.Errorf("nested playlist returned as entry: %+v", e)
		}
	}
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %+v", res.Entries)
	}
	if res.Entries[0].URL != "http://example.com/stream.m3u8" || res.Entries[1].URL != "http://example.com/bare.ts" {
		t.Errorf("entries = %+v", res.Entries)
	}
	wantNested := []string{"http://example.com/more.m3u", "http://example.com/dir/relative/other.m3u8"}
	if len(res.Playlists) != 2 || res.Playlists[0] != wantNested[0] || res.Playlists[1] != wantNested[1] {
		t.Errorf("playlists = %q, want %q", res.Playlists, wantNested)
	}
}

func TestExtract_titleFallback(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"trailing text", `#EXTINF:-1 tvg-name="Named",Shown`, "Shown"},
		{"url trailing uses tvg-name", `#EXTINF:-1 tvg-name="Named",http://x/a`, "Named"},
		{"empty trailing uses tvg-name", `#EXTINF:-1 tvg-name="Named",`, "Named"},
		{"hash fallback", `#EXTINF:-1,http://x/a`, ChannelName(`#EXTINF:-1,http://x/a`, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract([]byte(tt.line+"\nhttp://example.com/s.ts\n"), "")
			if len(res.Entries) != 1 {
				t.Fatalf("entries = %+v", res.Entries)
			}
			if res.Entries[0].Title != tt.want {
				t.Errorf("title = %q, want %q", res.Entries[0].Title, tt.want)
			}
		})
	}
	if got := ChannelName(`#EXTINF:-1,`, ""); len(got) != 12 {
		t.Errorf("hash title = %q, want 12 hex chars", got)
	}
}

func TestExtract_trailingURLWithoutURLLine(t *testing.T) {
	m3u := "#EXTINF:-1 tvg-name=\"Inline\",http://example.com/inline.ts\n#EXTINF:-1,Next\nhttp://example.com/next.ts\n"
	res := Extract([]byte(m3u), "")
	if len(res.Entries) != 2 {
		t.Fatalf("entries = %+v", res.Entries)
	}
	if res.Entries[0].URL != "http://example.com/inline.ts" || res.Entries[0].Title != "Inline" {
		t.Errorf("entry[0] = %+v", res.Entries[0])
	}
}

func TestExtract_malformedSkipped(t *testing.T) {
	m3u := "#EXTM3U\n#EXTINF:-1,A\nnot a url\nfile:///etc/passwd\njavascript:alert(1)\nhttp://example.com/a.ts\n"
	res := Extract([]byte(m3u), "")
	if len(res.Entries) != 1 || res.Entries[0].URL != "http://example.com/a.ts" || res.Entries[0].Title != "A" {
		t.Errorf("entries = %+v", res.Entries)
	}
}

func TestGuessTitleFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://x/live/bbc_news-hd.m3u8", "Bbc News Hd"},
		{"http://x/a/b/channel.ts", "Channel"},
		{"http://x/", ""},
		{"http://x/stream.m3u8?token=1", "Stream"},
	}
	for _, tt := range tests {
		if got := GuessTitleFromURL(tt.in); got != tt.want {
			t.Errorf("GuessTitleFromURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
