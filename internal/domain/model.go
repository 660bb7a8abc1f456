package domain

import (
	"github.com/floorsight/tally/internal/geometry"
)

// EntityType discriminates which kind of entity a revision documents.
type EntityType string

const (
	EntityTypeStamp    EntityType = "stamp"
	EntityTypeLocation EntityType = "location"
)

// ActionType enumerates the revisioned write operations.
type ActionType string

const (
	ActionTypeCreate ActionType = "create"
	ActionTypeUpdate ActionType = "update"
	ActionTypeDelete ActionType = "delete"
)

// ShapeType is the storage discriminator for a location's geometry.
type ShapeType string

const (
	ShapeTypeRectangle ShapeType = "rect"
	ShapeTypePolygon   ShapeType = "polygon"
)

// Project is the scoping root for revision history.
type Project struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;size:190;not null"`
	CreatedAtMS int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Plan is one floor-plan document within a project.
type Plan struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID   string `gorm:"column:project_id;size:190;not null;index"`
	Name        string `gorm:"column:name;size:190;not null"`
	CreatedAtMS int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Plan) TableName() string {
	return "plans"
}

// Device is a fixture type referenced by stamps.
type Device struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	Name        string `gorm:"column:name;size:190;not null"`
	CreatedAtMS int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Device) TableName() string {
	return "devices"
}

// Stamp is a placed device marker. LocationID is nil while unassigned.
type Stamp struct {
	ID          string   `gorm:"column:id;primaryKey;size:190;not null"`
	PlanID      string   `gorm:"column:plan_id;size:190;not null;index:idx_stamps_plan_device,priority:1"`
	DeviceID    string   `gorm:"column:device_id;size:190;not null;index:idx_stamps_plan_device,priority:2"`
	LocationID  *string  `gorm:"column:location_id;size:190;index"`
	Page        *int     `gorm:"column:page"`
	X           float64  `gorm:"column:x;not null"`
	Y           float64  `gorm:"column:y;not null"`
	Scale       *float64 `gorm:"column:scale"`
	CreatedAtMS int64    `gorm:"column:created_at_ms;not null"`
	UpdatedAtMS int64    `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Stamp) TableName() string {
	return "stamps"
}

// Point returns the stamp's position as a geometry point.
func (s Stamp) Point() geometry.Point {
	return geometry.Point{X: s.X, Y: s.Y}
}

// Location is a named spatial region on a plan. Rectangle fields are set only
// when ShapeType is rect; polygon vertices live in location_vertices.
// Revision is an edit counter bumped on every successful update.
type Location struct {
	ID          string   `gorm:"column:id;primaryKey;size:190;not null"`
	PlanID      string   `gorm:"column:plan_id;size:190;not null;index"`
	Name        string   `gorm:"column:name;size:190;not null"`
	ShapeType   ShapeType `gorm:"column:shape_type;size:16;not null"`
	RectX       *float64 `gorm:"column:rect_x"`
	RectY       *float64 `gorm:"column:rect_y"`
	RectWidth   *float64 `gorm:"column:rect_width"`
	RectHeight  *float64 `gorm:"column:rect_height"`
	Color       *string  `gorm:"column:color;size:32"`
	Revision    int64    `gorm:"column:revision;not null;default:1"`
	CreatedAtMS int64    `gorm:"column:created_at_ms;not null"`
	UpdatedAtMS int64    `gorm:"column:updated_at_ms;not null"`

	// Vertices is loaded explicitly alongside polygon locations.
	Vertices []LocationVertex `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Location) TableName() string {
	return "locations"
}

// Shape materializes the stored geometry as its sum-type variant.
func (l Location) Shape() geometry.Shape {
	if l.ShapeType == ShapeTypeRectangle {
		rect := geometry.Rectangle{}
		if l.RectX != nil {
			rect.X = *l.RectX
		}
		if l.RectY != nil {
			rect.Y = *l.RectY
		}
		if l.RectWidth != nil {
			rect.Width = *l.RectWidth
		}
		if l.RectHeight != nil {
			rect.Height = *l.RectHeight
		}
		return rect
	}
	vertices := make([]geometry.Point, 0, len(l.Vertices))
	for _, vertex := range l.Vertices {
		vertices = append(vertices, geometry.Point{X: vertex.X, Y: vertex.Y})
	}
	return geometry.Polygon{Vertices: vertices}
}

// ApplyShape writes the sum-type geometry back into the location's storage
// columns, rebuilding the vertex list for polygons. The location's ID must be
// set before polygon vertices are applied.
func ApplyShape(location *Location, shape geometry.Shape) {
	switch s := shape.(type) {
	case geometry.Rectangle:
		location.ShapeType = ShapeTypeRectangle
		x, y, w, h := s.X, s.Y, s.Width, s.Height
		location.RectX, location.RectY = &x, &y
		location.RectWidth, location.RectHeight = &w, &h
		location.Vertices = nil
	case geometry.Polygon:
		location.ShapeType = ShapeTypePolygon
		location.RectX, location.RectY = nil, nil
		location.RectWidth, location.RectHeight = nil, nil
		vertices := make([]LocationVertex, 0, len(s.Vertices))
		for seq, vertex := range s.Vertices {
			vertices = append(vertices, LocationVertex{
				LocationID: location.ID,
				Seq:        seq,
				X:          vertex.X,
				Y:          vertex.Y,
			})
		}
		location.Vertices = vertices
	}
}

// LocationVertex is one polygon vertex, keyed by contiguous 0-based sequence.
type LocationVertex struct {
	LocationID string  `gorm:"column:location_id;primaryKey;size:190;not null"`
	Seq        int     `gorm:"column:seq;primaryKey;not null"`
	X          float64 `gorm:"column:x;not null"`
	Y          float64 `gorm:"column:y;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocationVertex) TableName() string {
	return "location_vertices"
}

// UnassignedLocationKey is the count-table sentinel for stamps without a location.
const UnassignedLocationKey = ""

// CountEntry is a materialized aggregate row: how many stamps of a device
// fall inside a location. LocationID uses the empty string for unassigned.
type CountEntry struct {
	PlanID      string `gorm:"column:plan_id;primaryKey;size:190;not null"`
	DeviceID    string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LocationID  string `gorm:"column:location_id;primaryKey;size:190;not null;default:''"`
	Total       int64  `gorm:"column:total;not null"`
	UpdatedAtMS int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CountEntry) TableName() string {
	return "count_entries"
}

// LocationKey converts a nullable stamp location reference to a count key.
func LocationKey(locationID *string) string {
	if locationID == nil {
		return UnassignedLocationKey
	}
	return *locationID
}

// LocationRef converts a count key back to the nullable reference form.
func LocationRef(key string) *string {
	if key == UnassignedLocationKey {
		return nil
	}
	value := key
	return &value
}

// RevisionEntry is one immutable history record. SnapshotJSON holds the full
// prior DTO state, or nil for create actions. ProjectID is denormalized from
// the owning plan so project-scoped history stays a single-table query.
type RevisionEntry struct {
	ID           string     `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID    string     `gorm:"column:project_id;size:190;not null;index:idx_revisions_project_time,priority:1"`
	PlanID       string     `gorm:"column:plan_id;size:190;not null"`
	EntityID     string     `gorm:"column:entity_id;size:190;not null;index"`
	EntityType   EntityType `gorm:"column:entity_type;size:16;not null"`
	ActionType   ActionType `gorm:"column:action_type;size:16;not null"`
	SnapshotJSON *string    `gorm:"column:snapshot_json;type:text"`
	CreatedAtMS  int64      `gorm:"column:created_at_ms;not null;index:idx_revisions_project_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (RevisionEntry) TableName() string {
	return "revision_entries"
}
