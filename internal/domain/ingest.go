package domain

// IngestResult is the outcome of ingesting one upload: either Created or Duplicate.
// The interface is sealed; callers type-switch over the two cases.
type IngestResult interface {
	// ImageID is the id of the image the upload resolved to.
	ImageID() string
	isIngestResult()
}

// Created means the bytes were new and a fresh Image was persisted.
type Created struct {
	Image *Image
}

func (c Created) ImageID() string { return c.Image.ID }
func (Created) isIngestResult()   {}

// Duplicate means an Image with the same content hash already existed.
type Duplicate struct {
	ExistingID string
}

func (d Duplicate) ImageID() string { return d.ExistingID }
func (Duplicate) isIngestResult()   {}

// StageKind names one derived-asset computation.
type StageKind string

const (
	StageMetadata  StageKind = "metadata"
	StageThumbnail StageKind = "thumbnail"
	StageEmbedding StageKind = "embedding"
)

// AllStages lists every stage scheduled for a newly created image.
var AllStages = []StageKind{StageMetadata, StageThumbnail, StageEmbedding}

// Valid reports whether k names a known stage.
func (k StageKind) Valid() bool {
	switch k {
	case StageMetadata, StageThumbnail, StageEmbedding:
		return true
	}
	return false
}
