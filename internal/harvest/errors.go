package harvest

// Error reports a failure that aborts a harvest run, such as a provider
// that cannot enumerate its formats or items. Per-record failures never
// become an Error; they are logged and skipped so one broken record
// cannot stall the rest of the harvest.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
