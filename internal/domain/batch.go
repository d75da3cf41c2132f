package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// BatchStatus represents the grouping lifecycle of a batch.
// Values include BatchStatusPending, BatchStatusProcessing, BatchStatusComplete, and BatchStatusFailed.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusComplete   BatchStatus = "complete"
	BatchStatusFailed     BatchStatus = "failed"
)

// UngroupedLabel is the group name given to images the clusterer marks as noise.
const UngroupedLabel = "Ungrouped"

// NoiseLabel is the clusterer's sentinel for a row that joined no cluster.
const NoiseLabel = -1

// Clustering algorithm names.
const (
	AlgorithmDBSCAN  = "dbscan"
	AlgorithmHDBSCAN = "hdbscan"
)

// GroupingParams are the knobs a clustering run was invoked with.
// They are persisted on the batch so callers can see what produced the current grouping.
type GroupingParams struct {
	Algorithm      string  `json:"algorithm"`
	Metric         string  `json:"metric"`
	MinClusterSize int     `json:"min_cluster_size"`
	MinSamples     int     `json:"min_samples"`
	Eps            float64 `json:"eps,omitempty"`
}

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded string representation of the parameters.
//   - error: non-nil if marshaling fails.
func (p GroupingParams) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (p *GroupingParams) Scan(value interface{}) error {
	if value == nil {
		*p = GroupingParams{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan GroupingParams")
		}
		bytes = []byte(str)
	}
	if len(bytes) == 0 {
		*p = GroupingParams{}
		return nil
	}
	return json.Unmarshal(bytes, p)
}

// Batch is a named collection of images that can be partitioned into groups.
type Batch struct {
	ID                  string         `gorm:"type:text;primaryKey" json:"id"`
	Name                string         `gorm:"type:text;not null" json:"name"`
	Status              BatchStatus    `gorm:"type:text;not null;default:pending;index:idx_image_batches_status" json:"status"`
	Parameters          GroupingParams `gorm:"type:text" json:"parameters"`
	ProcessingStartedAt *time.Time     `json:"processing_started_at,omitempty"`
	LastError           string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`

	Associations []Association `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE" json:"associations"`
}

// TableName returns the database table name for Batch.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Batch) TableName() string {
	return "image_batches"
}

// ImageIDs returns the batch's image ids in association order.
func (b *Batch) ImageIDs() []string {
	ids := make([]string, len(b.Associations))
	for i, a := range b.Associations {
		ids[i] = a.ImageID
	}
	return ids
}

// Groups returns image ids keyed by group label. Ungrouped associations are omitted.
func (b *Batch) Groups() map[string][]string {
	groups := make(map[string][]string)
	for _, a := range b.Associations {
		if a.GroupLabel == nil {
			continue
		}
		groups[*a.GroupLabel] = append(groups[*a.GroupLabel], a.ImageID)
	}
	return groups
}

// Association links one image to one batch and carries its group label and rank.
// QualityRank, RankedAt and RankingMetric are written and cleared together.
// Position defines the batch's image order, which is also the feature-matrix row order.
type Association struct {
	BatchID       string     `gorm:"type:text;primaryKey" json:"batch_id"`
	ImageID       string     `gorm:"type:text;primaryKey;index:idx_associations_image" json:"image_id"`
	GroupLabel    *string    `gorm:"type:text;index:idx_associations_group" json:"group_label"`
	QualityRank   *int       `json:"quality_rank"`
	RankedAt      *time.Time `json:"ranked_at,omitempty"`
	RankingMetric *string    `gorm:"type:text" json:"ranking_metric,omitempty"`
	Position      int        `gorm:"not null;default:0" json:"position"`
	CreatedAt     time.Time  `json:"created_at"`

	Image *Image `gorm:"foreignKey:ImageID;constraint:OnDelete:CASCADE" json:"image,omitempty"`
}

// TableName returns the database table name for Association.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Association) TableName() string {
	return "image_batch_associations"
}

// BatchSummary is the list view of a batch.
type BatchSummary struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     BatchStatus    `json:"status"`
	Parameters GroupingParams `json:"parameters"`
	ImageCount int64          `json:"image_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ClusterStats summarises one clustering run.
type ClusterStats struct {
	Clusters   int            `json:"n_clusters"`
	Noise      int            `json:"n_noise"`
	GroupSizes map[string]int `json:"group_sizes"`
}
