package segmentstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ErrNotPlaylist is returned when input lacks the #EXTM3U header.
var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Segment is one media segment referenced by a live playlist.
type Segment struct {
	Sequence int64
	Filename string
	Duration float64
}

// Playlist is a live media playlist: an ordered window of segments.
type Playlist struct {
	MediaSequence  int64
	TargetDuration int
	Segments       []Segment
	Ended          bool
}

// ParsePlaylist reads a media playlist. Unknown tags are ignored.
func ParsePlaylist(r io.Reader) (Playlist, error) {
	var (
		p        Playlist
		sawHead  bool
		pending  float64
		havePend bool
		index    int64
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !sawHead {
			if line != "#EXTM3U" {
				return Playlist{}, ErrNotPlaylist
			}
			sawHead = true
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return Playlist{}, fmt.Errorf("target duration: %w", err)
			}
			p.TargetDuration = n
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			n, err := strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("media sequence: %w", err)
			}
			p.MediaSequence = n
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return Playlist{}, fmt.Errorf("segment duration: %w", err)
			}
			pending, havePend = d, true
		case line == "#EXT-X-ENDLIST":
			p.Ended = true
		case strings.HasPrefix(line, "#"):
		default:
			if !havePend {
				continue
			}
			p.Segments = append(p.Segments, Segment{
				Sequence: p.MediaSequence + index,
				Filename: line,
				Duration: pending,
			})
			index++
			havePend = false
		}
	}
	if err := sc.Err(); err != nil {
		return Playlist{}, err
	}
	if !sawHead {
		return Playlist{}, ErrNotPlaylist
	}
	return p, nil
}

// Encode renders the playlist as an HLS live playlist. An empty playlist
// produces a minimal valid document with media sequence 0.
func (p Playlist) Encode() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	if len(p.Segments) == 0 {
		b.WriteString("#EXT-X-TARGETDURATION:1\n")
		b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
		if p.Ended {
			b.WriteString("#EXT-X-ENDLIST\n")
		}
		return b.String()
	}

	target := targetDurationFromSegments(p.Segments)
	if p.TargetDuration > target {
		target = p.TargetDuration
	}

	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", target))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n\n", p.Segments[0].Sequence))

	for _, seg := range p.Segments {
		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration))
		b.WriteString(seg.Filename)
		b.WriteString("\n")
	}

	if p.Ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}

	return b.String()
}

// Window returns a copy of p holding at most size segments: the newest ones,
// truncated at the first sequence gap so a player never sees 42 followed by 44.
func (p Playlist) Window(size int) Playlist {
	out := p
	out.Segments = contiguousVisibleSegments(p.Segments, size)
	if len(out.Segments) > 0 {
		out.MediaSequence = out.Segments[0].Sequence
	}
	return out
}

// contiguousVisibleSegments slides first, then filters: older segments fall
// off the back even if a gap was never filled. segs must be ascending.
func contiguousVisibleSegments(segs []Segment, windowSize int) []Segment {
	if windowSize <= 0 || len(segs) == 0 {
		return nil
	}
	start := 0
	if len(segs) > windowSize {
		start = len(segs) - windowSize
	}
	windowed := segs[start:]

	visible := make([]Segment, 0, len(windowed))
	for i := range windowed {
		if i > 0 && windowed[i].Sequence != windowed[i-1].Sequence+1 {
			break
		}
		visible = append(visible, windowed[i])
	}
	return visible
}

// targetDurationFromSegments returns the ceiling of the longest segment, at least 1.
func targetDurationFromSegments(segments []Segment) int {
	max := 0.0
	for _, seg := range segments {
		if seg.Duration > max {
			max = seg.Duration
		}
	}
	if max <= 0 {
		return 1
	}
	return int(math.Ceil(max))
}
