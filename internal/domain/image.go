package domain

import (
	"database/sql/driver"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Vector is a float32 feature vector stored as a little-endian byte blob.
// A nil or empty Vector is persisted as NULL, which is how an absent embedding is represented.
type Vector []float32

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: packed little-endian bytes, or nil when the vector is empty.
//   - error: always nil.
func (v Vector) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if the value is not a byte slice or has a bad length.
func (v *Vector) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	var raw []byte
	switch b := value.(type) {
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return errors.New("failed to scan Vector")
	}
	if len(raw)%4 != 0 {
		return fmt.Errorf("failed to scan Vector: length %d is not a multiple of 4", len(raw))
	}
	out := make(Vector, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	*v = out
	return nil
}

// GormDataType reports the generic binary type so the schema parser accepts the column.
func (Vector) GormDataType() string {
	return "bytes"
}

// GormDBDataType picks the binary column type for the active dialect.
func (Vector) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "bytea"
	}
	return "blob"
}

// Image is one ingested picture plus every derived asset the pipeline attaches to it.
// ContentHash is the SHA-256 of the original bytes and is unique across the table.
type Image struct {
	ID           string `gorm:"type:text;primaryKey" json:"id"`
	ContentHash  string `gorm:"type:text;not null;uniqueIndex:idx_images_content_hash" json:"content_hash"`
	OriginalName string `gorm:"type:text" json:"original_name"`
	MimeType     string `gorm:"type:text" json:"mime_type"`
	FileSize     int64  `json:"file_size"`
	StorageKey   string `gorm:"type:text;not null" json:"storage_key"`

	HasThumbnail bool   `gorm:"not null;default:false;index:idx_images_has_thumbnail" json:"has_thumbnail"`
	ThumbnailKey string `gorm:"type:text" json:"thumbnail_key,omitempty"`
	Features     Vector `json:"-"`

	Width               *int       `json:"width,omitempty"`
	Height              *int       `json:"height,omitempty"`
	Orientation         *int       `json:"orientation,omitempty"`
	ShotAt              *time.Time `json:"shot_at,omitempty"`
	CameraMake          *string    `gorm:"type:text" json:"camera_make,omitempty"`
	CameraModel         *string    `gorm:"type:text" json:"camera_model,omitempty"`
	FocalLength         *float64   `json:"focal_length,omitempty"`
	FNumber             *float64   `json:"f_number,omitempty"`
	ExposureTime        *string    `gorm:"type:text" json:"exposure_time,omitempty"`
	ISO                 *int       `gorm:"column:iso" json:"iso,omitempty"`
	Latitude            *float64   `json:"latitude,omitempty"`
	Longitude           *float64   `json:"longitude,omitempty"`
	MetadataExtractedAt *time.Time `gorm:"index:idx_images_metadata_extracted_at" json:"metadata_extracted_at,omitempty"`

	QualityScore      *float64   `json:"quality_score,omitempty"`
	QualityMetric     *string    `gorm:"type:text" json:"quality_metric,omitempty"`
	QualityAnalyzedAt *time.Time `json:"quality_analyzed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Image.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Image) TableName() string {
	return "images"
}

// HasFeatures reports whether the embedding stage has produced a vector.
func (i *Image) HasFeatures() bool {
	return len(i.Features) > 0
}

// HasMetadata reports whether the metadata stage has run to completion.
func (i *Image) HasMetadata() bool {
	return i.MetadataExtractedAt != nil
}

// CachedScore returns the stored quality score if it was computed with metric.
func (i *Image) CachedScore(metric string) (float64, bool) {
	if i.QualityScore == nil || i.QualityMetric == nil || *i.QualityMetric != metric {
		return 0, false
	}
	return *i.QualityScore, true
}

// ImageView is the JSON shape returned to API callers.
type ImageView struct {
	Image
	HasFeatures  bool   `json:"has_features"`
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}
