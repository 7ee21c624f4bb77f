package indexer

import (
	"context"

	"espcap/internal/transform"
)

// Backend performs one bulk write and returns one result per document, in
// submission order. An error means the request as a whole failed.
type Backend interface {
	Bulk(ctx context.Context, docs []transform.IndexDocument) ([]ItemResult, error)
}

// EncodeErrorType marks a document the backend never received because its
// body could not be serialized.
const EncodeErrorType = "encode_error"

// ItemError is the backend's reason for rejecting a document.
type ItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ItemResult is the outcome for one document of a bulk request.
type ItemResult struct {
	OK     bool       `json:"ok"`
	Action string     `json:"action"`
	Status int        `json:"status"`
	Index  string     `json:"_index"`
	ID     string     `json:"_id,omitempty"`
	Result string     `json:"result,omitempty"`
	Error  *ItemError `json:"error,omitempty"`
}
