package inbox

import "errors"

var (
	ErrMessageNotFound      = errors.New("message not found")
	ErrMessageAlreadyExists = errors.New("message already exists")
	ErrMessageTooLarge      = errors.New("message too large")
)
