package domain

import (
	"encoding/json"
	"fmt"

	"github.com/floorsight/tally/internal/geometry"
)

// ShapeDTO carries a geometry shape across the JSON boundary as a tagged
// variant: {"type":"rect",...} or {"type":"polygon","vertices":[...]}.
type ShapeDTO struct {
	Shape geometry.Shape
}

type shapeEnvelope struct {
	Type     ShapeType    `json:"type"`
	X        *float64     `json:"x,omitempty"`
	Y        *float64     `json:"y,omitempty"`
	Width    *float64     `json:"width,omitempty"`
	Height   *float64     `json:"height,omitempty"`
	Vertices []pointDTO   `json:"vertices,omitempty"`
}

type pointDTO struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MarshalJSON encodes the shape as its tagged wire form.
func (d ShapeDTO) MarshalJSON() ([]byte, error) {
	switch s := d.Shape.(type) {
	case geometry.Rectangle:
		x, y, w, h := s.X, s.Y, s.Width, s.Height
		return json.Marshal(shapeEnvelope{Type: ShapeTypeRectangle, X: &x, Y: &y, Width: &w, Height: &h})
	case geometry.Polygon:
		vertices := make([]pointDTO, 0, len(s.Vertices))
		for _, vertex := range s.Vertices {
			vertices = append(vertices, pointDTO{X: vertex.X, Y: vertex.Y})
		}
		return json.Marshal(shapeEnvelope{Type: ShapeTypePolygon, Vertices: vertices})
	default:
		return nil, fmt.Errorf("%w: unsupported shape %T", ErrInvalidInput, d.Shape)
	}
}

// UnmarshalJSON decodes the tagged wire form back into the sum type.
func (d *ShapeDTO) UnmarshalJSON(data []byte) error {
	var envelope shapeEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	switch envelope.Type {
	case ShapeTypeRectangle:
		rect := geometry.Rectangle{}
		if envelope.X != nil {
			rect.X = *envelope.X
		}
		if envelope.Y != nil {
			rect.Y = *envelope.Y
		}
		if envelope.Width != nil {
			rect.Width = *envelope.Width
		}
		if envelope.Height != nil {
			rect.Height = *envelope.Height
		}
		d.Shape = rect
	case ShapeTypePolygon:
		vertices := make([]geometry.Point, 0, len(envelope.Vertices))
		for _, vertex := range envelope.Vertices {
			vertices = append(vertices, geometry.Point{X: vertex.X, Y: vertex.Y})
		}
		d.Shape = geometry.Polygon{Vertices: vertices}
	default:
		return fmt.Errorf("%w: unknown shape type %q", ErrInvalidInput, envelope.Type)
	}
	return nil
}

// StampSnapshot is the revisioned prior state of a stamp.
type StampSnapshot struct {
	PlanID      string   `json:"plan_id"`
	DeviceID    string   `json:"device_id"`
	LocationID  *string  `json:"location_id"`
	Page        *int     `json:"page,omitempty"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Scale       *float64 `json:"scale,omitempty"`
	CreatedAtMS int64    `json:"created_at_ms"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

// SnapshotOfStamp captures the stamp's current state.
func SnapshotOfStamp(stamp Stamp) StampSnapshot {
	return StampSnapshot{
		PlanID:      stamp.PlanID,
		DeviceID:    stamp.DeviceID,
		LocationID:  stamp.LocationID,
		Page:        stamp.Page,
		X:           stamp.X,
		Y:           stamp.Y,
		Scale:       stamp.Scale,
		CreatedAtMS: stamp.CreatedAtMS,
		UpdatedAtMS: stamp.UpdatedAtMS,
	}
}

// LocationSnapshot is the revisioned prior state of a location, including its
// full vertex ring for polygons.
type LocationSnapshot struct {
	PlanID      string   `json:"plan_id"`
	Name        string   `json:"name"`
	Shape       ShapeDTO `json:"shape"`
	Color       *string  `json:"color,omitempty"`
	Revision    int64    `json:"revision"`
	CreatedAtMS int64    `json:"created_at_ms"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
}

// SnapshotOfLocation captures the location's current state. The location's
// Vertices must already be loaded for polygon shapes.
func SnapshotOfLocation(location Location) LocationSnapshot {
	return LocationSnapshot{
		PlanID:      location.PlanID,
		Name:        location.Name,
		Shape:       ShapeDTO{Shape: location.Shape()},
		Color:       location.Color,
		Revision:    location.Revision,
		CreatedAtMS: location.CreatedAtMS,
		UpdatedAtMS: location.UpdatedAtMS,
	}
}

// EncodeSnapshot serializes a snapshot DTO for the revision table.
func EncodeSnapshot(snapshot any) (*string, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: encode snapshot: %v", ErrStorage, err)
	}
	encoded := string(raw)
	return &encoded, nil
}
