// Package song defines the song sheet value types shared by the live
// session layer and the song library. A song is lyrics plus chords, laid
// out line by line; the live layer treats it as an opaque value and never
// interprets the sheet content.
package song

// SongItem is a single lyric fragment with an optional chord annotation
// positioned above it.
type SongItem struct {
	Lyrics string `json:"lyrics"`
	Chords string `json:"chords,omitempty"`
}

// SongLine is one visual line of a song sheet.
type SongLine []SongItem

// Song is a complete chord sheet. Lines may be empty when the song is
// referenced by ID only (e.g. inside a songSelected broadcast); clients
// fetch the full sheet from the song library.
type Song struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Artist   string     `json:"artist"`
	ImageURL string     `json:"imageUrl,omitempty"`
	Lines    []SongLine `json:"data,omitempty"`
}

// Ref returns a copy of the song with the sheet content stripped,
// suitable for broadcasting as a lightweight reference.
func (s Song) Ref() Song {
	s.Lines = nil
	return s
}
