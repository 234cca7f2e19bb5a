package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusAccepted indicates an envelope was handed to its container.
	StatusAccepted Status = "accepted"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewAcceptedResponse() Response {
	return Response{Status: StatusAccepted}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
