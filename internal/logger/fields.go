package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldImageID is the image being ingested or processed
	FieldImageID = "image_id"

	// FieldBatchID is the batch being grouped or ranked
	FieldBatchID = "batch_id"

	// FieldStage is the derived-asset stage (metadata, thumbnail, embedding)
	FieldStage = "stage"

	// FieldTaskID is the queue task ID
	FieldTaskID = "task_id"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"

	// FieldAttempt is the 1-based retry attempt number
	FieldAttempt = "attempt"
)
