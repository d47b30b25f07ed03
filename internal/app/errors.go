package app

// DomainError is an error the REST boundary translates directly into a
// response: HTTP status, a stable machine-readable code, a human message and
// optional structured details (the access-denial trace rides here).
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}
