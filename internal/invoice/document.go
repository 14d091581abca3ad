package invoice

import "time"

// Document is an ingested invoice file. It is immutable once recorded.
type Document struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	StoragePath string    `json:"storage_path"`
	Hash        string    `json:"hash"` // hex SHA-256 of the content
	Size        int64     `json:"size"`
	PageCount   int       `json:"page_count"`
	ReceivedAt  time.Time `json:"received_at"`
}
