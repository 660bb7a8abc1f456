package geometry

// Point is a 2D coordinate on a plan page.
type Point struct {
	X float64
	Y float64
}

// Shape is the closed set of region geometries a location can carry.
// Exactly two variants exist: Rectangle and Polygon.
type Shape interface {
	shape()
}

// Rectangle is an axis-aligned rectangle anchored at its top-left corner.
type Rectangle struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

func (Rectangle) shape() {}

// Polygon is an ordered vertex ring, treated as implicitly closed.
type Polygon struct {
	Vertices []Point
}

func (Polygon) shape() {}

// DedupVertices drops identical consecutive vertices and a trailing vertex
// equal to the first, returning the normalized ring.
func DedupVertices(vertices []Point) []Point {
	result := make([]Point, 0, len(vertices))
	for _, vertex := range vertices {
		if len(result) > 0 && result[len(result)-1] == vertex {
			continue
		}
		result = append(result, vertex)
	}
	if len(result) > 1 && result[len(result)-1] == result[0] {
		result = result[:len(result)-1]
	}
	return result
}
