package expire

import "testing"

func TestParseTile(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    Tile
		wantErr bool
	}{
		{name: "typical", line: "16/100/200", want: Tile{16, 100, 200}},
		{name: "surrounding whitespace", line: "  16/100/200\n", want: Tile{16, 100, 200}},
		{name: "zoom zero", line: "0/0/0", want: Tile{0, 0, 0}},
		{name: "too few parts", line: "16/100", wantErr: true},
		{name: "too many parts", line: "16/100/200/5", wantErr: true},
		{name: "non-numeric", line: "z/x/y", wantErr: true},
		{name: "negative coordinate", line: "16/-1/200", wantErr: true},
		{name: "x out of range for zoom", line: "2/4/0", wantErr: true},
		{name: "y out of range for zoom", line: "2/0/4", wantErr: true},
		{name: "empty", line: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTile(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTile(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseTile(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

func TestTileString(t *testing.T) {
	if got := (Tile{16, 100, 200}).String(); got != "16/100/200" {
		t.Errorf("String() = %q, want 16/100/200", got)
	}
}

func TestTileSetDedup(t *testing.T) {
	set := make(TileSet)
	set.Add(Tile{16, 100, 200})
	set.Add(Tile{16, 100, 200})
	set.Add(Tile{16, 100, 201})

	if len(set) != 2 {
		t.Errorf("set has %d tiles, want 2", len(set))
	}
}

func TestTileSetMerge(t *testing.T) {
	a := make(TileSet)
	a.Add(Tile{16, 1, 1})
	a.Add(Tile{16, 2, 2})

	b := make(TileSet)
	b.Add(Tile{16, 2, 2})
	b.Add(Tile{16, 3, 3})

	a.Merge(b)
	if len(a) != 3 {
		t.Errorf("merged set has %d tiles, want 3", len(a))
	}
}

func TestTileSetSorted(t *testing.T) {
	set := make(TileSet)
	for _, tile := range []Tile{{16, 2, 1}, {14, 5, 5}, {16, 1, 9}, {16, 1, 2}} {
		set.Add(tile)
	}

	got := set.Sorted()
	want := []Tile{{14, 5, 5}, {16, 1, 2}, {16, 1, 9}, {16, 2, 1}}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Sorted() = %v, want %v", got, want)
		}
	}
}
