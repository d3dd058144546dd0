// Package expire collects expired tile output and hands it to the tile
// cache.
//
// Each applied sequence leaves behind a directory of line-oriented tile
// lists written by the engine. The collector merges the lists for a cycle,
// deduplicates them, and publishes one file per cycle into the handoff
// directory. The downstream cache's only contract is file presence plus
// atomic-rename visibility, so it never sees a half-written list.
package expire

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tile identifies one map tile by zoom and position.
type Tile struct {
	Z, X, Y int
}

// String renders the tile in the z/x/y handoff format.
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// ParseTile parses a z/x/y line.
func ParseTile(line string) (Tile, error) {
	parts := strings.Split(strings.TrimSpace(line), "/")
	if len(parts) != 3 {
		return Tile{}, fmt.Errorf("malformed tile %q", line)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Tile{}, fmt.Errorf("malformed tile %q", line)
		}
		vals[i] = n
	}
	t := Tile{Z: vals[0], X: vals[1], Y: vals[2]}
	max := 1 << uint(t.Z)
	if t.X >= max || t.Y >= max {
		return Tile{}, fmt.Errorf("tile %s out of range for zoom %d", t, t.Z)
	}
	return t, nil
}

// TileSet is a deduplicated set of tiles.
type TileSet map[Tile]struct{}

// Add inserts a tile.
func (s TileSet) Add(t Tile) {
	s[t] = struct{}{}
}

// Merge inserts every tile from other.
func (s TileSet) Merge(other TileSet) {
	for t := range other {
		s[t] = struct{}{}
	}
}

// Sorted returns the tiles ordered by zoom, then x, then y. Deterministic
// output keeps handoff files diffable across regenerations.
func (s TileSet) Sorted() []Tile {
	tiles := make([]Tile, 0, len(s))
	for t := range s {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return tiles
}
