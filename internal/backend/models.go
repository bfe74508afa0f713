package backend

// Exposee is one disclosed case as published by the backend.
type Exposee struct {
	Key     string   `json:"key"`     // base64 secret key
	KeyDate int64    `json:"keyDate"` // onset day start, unix millis
	Hashes  []string `json:"hashes,omitempty"`
}

// ExposedOverview is the content of one published batch.
type ExposedOverview struct {
	BatchReleaseTime int64     `json:"batchReleaseTime"`
	Exposed          []Exposee `json:"exposed"`
}

// ExposeeRequest is the report a device submits after a positive test: the
// disclosed key, its day, optionally the broadcast location hashes, and a
// fake flag for dummy-traffic requests that the server must accept and
// discard.
type ExposeeRequest struct {
	Key     string   `json:"key"`
	KeyDate int64    `json:"keyDate"`
	Hashes  []string `json:"hashes,omitempty"`
	Fake    int      `json:"fake"`
}

// AppConfig is the discovery document: where the buckets and the report
// endpoint live, and the externally configured exposure threshold.
type AppConfig struct {
	AppID                      string `json:"appId"`
	BucketBaseURL              string `json:"bucketBaseUrl"`
	ReportBaseURL              string `json:"reportBaseUrl"`
	NumberOfWindowsForExposure int    `json:"numberOfWindowsForExposure"`
}
