package scanapi

import "time"

// VeganStatus is the four-state classification attached to a product.
type VeganStatus string

const (
	StatusVegan         VeganStatus = "VEGAN"
	StatusVegetarian    VeganStatus = "VEGETARIAN"
	StatusNotVegetarian VeganStatus = "NOT_VEGETARIAN"
	StatusUnknown       VeganStatus = "UNKNOWN"
)

// Product is the last-known display state for one barcode. Updates replace
// whole values; nothing merges field-by-field.
type Product struct {
	Barcode       string      `json:"barcode"`
	Name          string      `json:"name"`
	Brand         string      `json:"brand,omitempty"`
	Ingredients   []string    `json:"ingredients,omitempty"`
	Status        VeganStatus `json:"status"`
	ImageURL      string      `json:"image_url,omitempty"`
	IssueNotes    string      `json:"issue_notes,omitempty"`
	LastScannedAt time.Time   `json:"last_scanned_at,omitempty"`
}

// HistoryItem wraps one barcode's most recent scan for display.
type HistoryItem struct {
	Barcode       string    `json:"barcode"`
	ScannedAt     time.Time `json:"scanned_at"`
	CachedProduct Product   `json:"cached_product"`
	IsNew         bool      `json:"is_new"`
	LastViewedAt  time.Time `json:"last_viewed_at,omitempty"`
}

type JobType string

const (
	JobIngredientParsing  JobType = "ingredient_parsing"
	JobProductCreation    JobType = "product_creation"
	JobProductPhotoUpload JobType = "product_photo_upload"
)

type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// WorkflowSteps orders linked jobs inside one multi-step UI flow.
type WorkflowSteps struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// JobSpec is what callers hand to the queue. Required fields depend on Type:
// ingredient_parsing needs UPC+ImageBase64, product_creation needs UPC and
// one of ImageBase64/ImageURI, product_photo_upload needs UPC+ImageURI.
type JobSpec struct {
	Type          JobType        `json:"type"`
	UPC           string         `json:"upc"`
	ImageURI      string         `json:"image_uri,omitempty"`
	ImageBase64   string         `json:"image_base64,omitempty"`
	Priority      int            `json:"priority,omitempty"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	WorkflowSteps *WorkflowSteps `json:"workflow_steps,omitempty"`
}

// Job is a queued unit of work. Status transitions:
// queued -> processing -> completed | failed, with processing -> queued on a
// retryable failure while attempts remain.
type Job struct {
	ID            string         `json:"id"`
	Type          JobType        `json:"type"`
	UPC           string         `json:"upc"`
	ImageURI      string         `json:"image_uri,omitempty"`
	ImageBase64   string         `json:"image_base64,omitempty"`
	Priority      int            `json:"priority"`
	Status        JobStatus      `json:"status"`
	Attempt       int            `json:"attempt"`
	MaxAttempts   int            `json:"max_attempts"`
	ResultData    map[string]any `json:"result_data,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	WorkflowSteps *WorkflowSteps `json:"workflow_steps,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
}

// JobEvent names. Exactly one of job_completed/job_failed fires per job.
type JobEvent string

const (
	EventJobAdded     JobEvent = "job_added"
	EventJobUpdated   JobEvent = "job_updated"
	EventJobCompleted JobEvent = "job_completed"
	EventJobFailed    JobEvent = "job_failed"
	EventJobsCleared  JobEvent = "jobs_cleared"
)

type CameraMode string

const (
	ModeScanner         CameraMode = "scanner"
	ModeProductPhoto    CameraMode = "product-photo"
	ModeIngredientPhoto CameraMode = "ingredients-photo"
	ModeInactive        CameraMode = "inactive"
)

// CameraOwnership records which logical flow controls the one physical
// camera right now.
type CameraOwnership struct {
	Owner     string     `json:"owner"`
	Mode      CameraMode `json:"mode"`
	Timestamp time.Time  `json:"timestamp"`
}

// CameraConfig selects which capabilities the active session exposes.
type CameraConfig struct {
	EnableBarcode bool `json:"enable_barcode"`
	EnablePhoto   bool `json:"enable_photo"`
	EnableTorch   bool `json:"enable_torch,omitempty"`
}

type CameraOperation string

const (
	OperationBarcode CameraOperation = "barcode"
	OperationPhoto   CameraOperation = "photo"
)
