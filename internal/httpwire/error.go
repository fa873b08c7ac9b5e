package httpwire

// ErrorBody is the JSON envelope carried by every error response the
// daemon produces itself. DiagnosticInformation is only populated for
// handler failures (500s).
type ErrorBody struct {
	Error                 int    `json:"error"`
	Status                string `json:"status"`
	DiagnosticInformation string `json:"diagnostic_information,omitempty"`
}

// SetError turns r into an error response with the standard envelope.
func (r *Response) SetError(status int, message string) {
	r.setErrorBody(ErrorBody{Error: status, Status: message})
}

// SetErrorDiagnostic is SetError with extra diagnostic detail.
func (r *Response) SetErrorDiagnostic(status int, message, diagnostic string) {
	r.setErrorBody(ErrorBody{Error: status, Status: message, DiagnosticInformation: diagnostic})
}

func (r *Response) setErrorBody(body ErrorBody) {
	r.Status = body.Error
	// The envelope contains only strings and an int; it always
	// marshals.
	_ = r.SetJSONBody(body)
}
