package geo

import "math"

// Vertex is one corner of a planar polygon, in any consistent unit.
type Vertex struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Area returns the shoelace area of the polygon described by vertices in
// order. Fewer than three vertices have no area.
func Area(vertices []Vertex) float64 {
	n := len(vertices)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += vertices[i].X*vertices[j].Y - vertices[j].X*vertices[i].Y
	}
	return math.Abs(sum) / 2
}

// Coverage returns the board's footprint as a percentage of the storefront's,
// rounded to one decimal place.
func Coverage(storefront, board []Vertex) float64 {
	if len(storefront) < 3 || len(board) < 3 {
		return 0
	}
	storefrontArea := Area(storefront)
	if storefrontArea == 0 {
		return 0
	}
	pct := Area(board) / storefrontArea * 100
	return math.Round(pct*10) / 10
}
