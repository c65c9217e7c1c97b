package segmentstore

import (
	"errors"
	"strings"
	"testing"
)

const ffmpegPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:38
#EXTINF:2.000000,
segment_038.ts
#EXTINF:2.000000,
segment_039.ts
#EXTINF:1.960000,
segment_040.ts
`

func TestParsePlaylist_ffmpeg_output(t *testing.T) {
	p, err := ParsePlaylist(strings.NewReader(ffmpegPlaylist))
	if err != nil {
		t.Fatalf("ParsePlaylist: %v", err)
	}
	if p.MediaSequence != 38 || p.TargetDuration != 2 || p.Ended {
		t.Errorf("header fields: %+v", p)
	}
	if len(p.Segments) != 3 {
		t.Fatalf("segments = %d, want 3", len(p.Segments))
	}
	last := p.Segments[2]
	if last.Sequence != 40 || last.Filename != "segment_040.ts" || last.Duration != 1.96 {
		t.Errorf("last segment = %+v", last)
	}
}

func TestParsePlaylist_rejects_non_playlist(t *testing.T) {
	for _, in := range []string{"", "hello\n#EXTM3U\n"} {
		if _, err := ParsePlaylist(strings.NewReader(in)); !errors.Is(err, ErrNotPlaylist) {
			t.Errorf("ParsePlaylist(%q) err = %v, want ErrNotPlaylist", in, err)
		}
	}
}

func TestParsePlaylist_bad_duration(t *testing.T) {
	in := "#EXTM3U\n#EXTINF:abc,\nsegment_001.ts\n"
	if _, err := ParsePlaylist(strings.NewReader(in)); err == nil {
		t.Error("expected error for bad EXTINF")
	}
}

func TestPlaylist_Encode_empty(t *testing.T) {
	out := Playlist{}.Encode()
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:1") || !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Errorf("unexpected empty playlist: %s", out)
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") {
		t.Error("should not contain ENDLIST when not ended")
	}
	if !strings.Contains(Playlist{Ended: true}.Encode(), "#EXT-X-ENDLIST") {
		t.Error("expected #EXT-X-ENDLIST when ended")
	}
}

func TestPlaylist_Encode_roundtrip_fields(t *testing.T) {
	p := Playlist{Segments: []Segment{
		{Sequence: 1, Filename: "segment_001.ts", Duration: 2.5},
		{Sequence: 2, Filename: "segment_002.ts", Duration: 1.1},
	}}
	out := p.Encode()
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:3") {
		t.Errorf("expected TARGETDURATION 3 (ceil 2.5): %s", out)
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:1") {
		t.Errorf("expected MEDIA-SEQUENCE 1: %s", out)
	}
	back, err := ParsePlaylist(strings.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Segments) != 2 || back.Segments[1].Sequence != 2 {
		t.Errorf("re-parsed segments: %+v", back.Segments)
	}
}

func TestPlaylist_Window(t *testing.T) {
	seg := func(seq int64) Segment { return Segment{Sequence: seq, Filename: "x.ts", Duration: 2} }

	t.Run("caps_length", func(t *testing.T) {
		p := Playlist{Segments: []Segment{seg(1), seg(2), seg(3), seg(4), seg(5), seg(6)}}
		w := p.Window(3)
		if len(w.Segments) != 3 || w.MediaSequence != 4 {
			t.Errorf("window = %+v", w)
		}
		if len(p.Segments) != 6 {
			t.Error("Window must not mutate the receiver")
		}
	})

	t.Run("stops_at_gap", func(t *testing.T) {
		p := Playlist{Segments: []Segment{seg(1), seg(2), seg(4), seg(5)}}
		w := p.Window(6)
		if len(w.Segments) != 2 || w.Segments[1].Sequence != 2 {
			t.Errorf("window across gap = %+v", w.Segments)
		}
	})

	t.Run("old_gap_slides_off", func(t *testing.T) {
		p := Playlist{Segments: []Segment{seg(1), seg(3), seg(4), seg(5)}}
		w := p.Window(3)
		if len(w.Segments) != 3 || w.MediaSequence != 3 {
			t.Errorf("gap behind window should not matter: %+v", w)
		}
	})

	t.Run("zero_size", func(t *testing.T) {
		if w := (Playlist{Segments: []Segment{seg(1)}}).Window(0); len(w.Segments) != 0 {
			t.Errorf("zero window = %+v", w.Segments)
		}
	})
}
