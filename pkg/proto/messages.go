// Package proto defines the request and response messages exchanged between
// clients, storage nodes and the coordinator.
package proto

import (
	"net"
	"strconv"
)

// RequestType discriminates the request carried by a Request.
type RequestType string

const (
	// Coordinator requests.
	RegisterChunkServer RequestType = "REGISTER_CHUNK_SERVER"
	GetClientID         RequestType = "GET_CLIENT_ID"
	GetChunkServers     RequestType = "GET_CHUNK_SERVERS"
	RegisterNewFile     RequestType = "REGISTER_NEW_FILE"
	GetFileData         RequestType = "GET_FILE_DATA"
	ChunkUploadSuccess  RequestType = "CHUNK_UPLOAD_SUCCESS"

	// Storage node requests.
	UploadChunk    RequestType = "UPLOAD_CHUNK"
	DownloadChunk  RequestType = "DOWNLOAD_CHUNK"
	HealthCheck    RequestType = "HEALTH_CHECK"
	ReplicateChunk RequestType = "REPLICATE_CHUNK"
)

// Status values carried in responses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusOK      = "OK"
)

// Error codes carried in FAILURE responses.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal"
)

// ServerLocation is the network identity of a storage node.
type ServerLocation struct {
	Addr string `json:"addr"`
	Port int    `json:"port"`
	ID   string `json:"id"`
}

// Address returns host:port for dialing.
func (l ServerLocation) Address() string {
	return net.JoinHostPort(l.Addr, strconv.Itoa(l.Port))
}

// ChunkMetadata describes one chunk of a file being registered.
type ChunkMetadata struct {
	ChunkID       string `json:"chunk_id"`
	ChunkIndex    int    `json:"chunk_index"`
	ChunkServerID string `json:"chunk_server_id,omitempty"`
	ChunkSize     int64  `json:"chunk_size,omitempty"`
}

// ChunkLocations lists the nodes believed to hold one chunk of a file.
type ChunkLocations struct {
	ChunkID   string           `json:"chunk_id"`
	Index     int              `json:"chunk_index"`
	Size      int64            `json:"chunk_size,omitempty"`
	Locations []ServerLocation `json:"chunk_server_locations"`
}

// Request is the envelope for every request. Only the fields relevant to
// Type are populated.
type Request struct {
	Type RequestType `json:"request_type"`

	// REGISTER_CHUNK_SERVER, CHUNK_UPLOAD_SUCCESS
	ChunkServerID string `json:"chunk_server_id,omitempty"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`

	// UPLOAD_CHUNK, DOWNLOAD_CHUNK, REPLICATE_CHUNK, CHUNK_UPLOAD_SUCCESS.
	// ChunkSize is a pointer so a missing size can be told apart from zero.
	ChunkID   string `json:"chunk_id,omitempty"`
	ChunkSize *int64 `json:"chunk_size,omitempty"`
	ChunkData []byte `json:"chunk_data,omitempty"` // base64 on the wire
	Replicate bool   `json:"replicate,omitempty"`

	// HEALTH_CHECK
	OtherActiveServers []ServerLocation `json:"other_active_servers,omitempty"`

	// REPLICATE_CHUNK target
	TargetAddr string `json:"chnk_srv_addr,omitempty"`
	TargetPort int    `json:"chnk_srv_port,omitempty"`

	// REGISTER_NEW_FILE, GET_FILE_DATA
	FileID        string          `json:"file_id,omitempty"`
	ChunkMetadata []ChunkMetadata `json:"chunk_metadata,omitempty"`
}

// Response is the envelope for every response.
type Response struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`

	// GET_CLIENT_ID
	ClientID string `json:"client_id,omitempty"`

	// GET_CHUNK_SERVERS
	ChunkServers []ServerLocation `json:"chunk_servers,omitempty"`

	// GET_FILE_DATA
	FileID string           `json:"file_id,omitempty"`
	Chunks []ChunkLocations `json:"chunks,omitempty"`

	// DOWNLOAD_CHUNK
	ChunkID   string `json:"chunk_id,omitempty"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
	ChunkData []byte `json:"chunk_data,omitempty"`
}

// Size returns a pointer to n, for populating Request.ChunkSize.
func Size(n int64) *int64 {
	return &n
}

// Success returns a SUCCESS response.
func Success() *Response {
	return &Response{Status: StatusSuccess}
}

// OK returns an OK response.
func OK() *Response {
	return &Response{Status: StatusOK}
}
