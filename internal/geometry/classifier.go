package geometry

// Contains reports whether the point falls inside the shape.
//
// Rectangles are closed: points on any edge or corner count as inside.
// Polygons use the ray-casting parity test over the implicitly closed vertex
// ring; behavior for points exactly on a polygon edge is
// implementation-defined. A polygon with fewer than three vertices contains
// nothing.
func Contains(point Point, shape Shape) bool {
	switch s := shape.(type) {
	case Rectangle:
		return containsRectangle(point, s)
	case Polygon:
		return containsPolygon(point, s.Vertices)
	default:
		return false
	}
}

func containsRectangle(point Point, rect Rectangle) bool {
	return point.X >= rect.X && point.X <= rect.X+rect.Width &&
		point.Y >= rect.Y && point.Y <= rect.Y+rect.Height
}

func containsPolygon(point Point, vertices []Point) bool {
	if len(vertices) < 3 {
		return false
	}
	inside := false
	previous := len(vertices) - 1
	for current := 0; current < len(vertices); current++ {
		a := vertices[current]
		b := vertices[previous]
		crosses := (a.Y > point.Y) != (b.Y > point.Y)
		if crosses && point.X < (b.X-a.X)*(point.Y-a.Y)/(b.Y-a.Y)+a.X {
			inside = !inside
		}
		previous = current
	}
	return inside
}
