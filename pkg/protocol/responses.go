package protocol

import "time"

// Status is the mandatory result field of every response envelope.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Response is the base response envelope. Error responses always carry a
// human-readable message.
type Response struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK builds a bare success response.
func OK() Response {
	return Response{Status: StatusOK}
}

// Error builds a bare error response.
func Error(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// IsOK reports whether the response carries a success status.
func (r Response) IsOK() bool {
	return r.Status == StatusOK
}

// VMResponse describes one VM, durable spec plus runtime connection state.
type VMResponse struct {
	Response
	VMID           int64      `json:"vm_id,omitempty"`
	Data           *VMSpecs   `json:"data,omitempty"`
	LastConnection *time.Time `json:"last_connection,omitempty"`
	IsConnected    bool       `json:"is_connected"`
}

// VMListResponse carries a set of VM descriptions.
type VMListResponse struct {
	Response
	VMs []VMResponse `json:"vms"`
}

// DriveResponse reports the drive set of a VM after a drive mutation.
type DriveResponse struct {
	Response
	DriveID int64       `json:"drive_id,omitempty"`
	Drives  []HardDrive `json:"drives,omitempty"`
	VMID    int64       `json:"vm_id,omitempty"`
}

// ListDrivesResponse carries a flat drive listing.
type ListDrivesResponse struct {
	Response
	Drives []HardDrive `json:"hds"`
}

// AuthResponse is the agent's answer to an auth or logout command.
type AuthResponse struct {
	Response
	Specs *VMSpecs `json:"specs,omitempty"`
}

// AuthSuccess builds a successful auth response carrying the agent's specs.
func AuthSuccess(specs VMSpecs) AuthResponse {
	return AuthResponse{
		Response: Response{Status: StatusOK, Message: "authentication successful"},
		Specs:    &specs,
	}
}

// AuthFailed builds a failed auth response.
func AuthFailed(message string) AuthResponse {
	if message == "" {
		message = "authentication failed"
	}
	return AuthResponse{Response: Error(message)}
}

// LoggedOut builds the agent's response to a successful logout.
func LoggedOut() AuthResponse {
	return AuthResponse{Response: Response{Status: StatusOK, Message: "logged out"}}
}

// VMInfoResponse is the agent's answer to an update command.
type VMInfoResponse struct {
	Response
	Data *VMSpecs `json:"data,omitempty"`
}
