package provider

// Status classifies the outcome of one adapter call.
type Status int

const (
	StatusOK Status = iota
	// StatusNoContent is a successful exchange with an empty body.
	StatusNoContent
	StatusNotFound
	StatusRateLimited
	StatusForbidden
	// StatusUnsupported means the provider has no such endpoint; no request was made.
	StatusUnsupported
	// StatusFailed covers transport errors, unexpected status codes and local I/O errors.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoContent:
		return "no content"
	case StatusNotFound:
		return "not found"
	case StatusRateLimited:
		return "rate limited"
	case StatusForbidden:
		return "forbidden"
	case StatusUnsupported:
		return "unsupported"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is what every Provider method returns. Text is always printable;
// Path is set when a file was written; Err keeps the underlying cause of a
// failure for logging.
type Result struct {
	Provider Type
	Status   Status
	Text     string
	Path     string
	Err      error
}

// OK reports whether the call produced the requested data.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

func (r Result) String() string {
	return r.Text
}

func okResult(t Type, text string) Result {
	return Result{Provider: t, Status: StatusOK, Text: text}
}

func failResult(t Type, status Status, text string, err error) Result {
	return Result{Provider: t, Status: status, Text: text, Err: err}
}
