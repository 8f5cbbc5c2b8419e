package song

import (
	"encoding/json"
	"testing"
)

func TestRefStripsSheetContent(t *testing.T) {
	s := Song{
		ID:     "s1",
		Title:  "Wonderwall",
		Artist: "Oasis",
		Lines: []SongLine{
			{{Lyrics: "Today is gonna be the day", Chords: "Em7"}},
		},
	}

	ref := s.Ref()
	if ref.ID != "s1" || ref.Title != "Wonderwall" {
		t.Errorf("ref = %+v", ref)
	}
	if ref.Lines != nil {
		t.Error("Ref must drop sheet content")
	}
	if s.Lines == nil {
		t.Error("Ref must not mutate the original")
	}
}

func TestSheetJSONShape(t *testing.T) {
	s := Song{
		ID: "s1",
		Lines: []SongLine{
			{{Lyrics: "line one", Chords: "C"}, {Lyrics: "line one b"}},
		},
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded struct {
		Data [][]struct {
			Lyrics string `json:"lyrics"`
			Chords string `json:"chords"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Data) != 1 || len(decoded.Data[0]) != 2 {
		t.Fatalf("data shape = %+v", decoded.Data)
	}
	if decoded.Data[0][0].Chords != "C" {
		t.Errorf("chords = %q, want C", decoded.Data[0][0].Chords)
	}

	ref, _ := json.Marshal(Song{ID: "s2"})
	if string(ref) == "" || json.Valid(ref) == false {
		t.Fatal("ref marshal failed")
	}
	var m map[string]any
	json.Unmarshal(ref, &m)
	if _, ok := m["data"]; ok {
		t.Error("reference serialization must omit data")
	}
}
