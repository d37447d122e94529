package errors

type MarshallingError struct {
	err error
}

func NewMarshallingError(err error) MarshallingError {
	return MarshallingError{err: err}
}

func (e MarshallingError) ErrorName() string {
	return "marshalling"
}

func (e MarshallingError) Error() string {
	return "cannot marshal value: " + e.err.Error()
}

func (e MarshallingError) Unwrap() error {
	return e.err
}
