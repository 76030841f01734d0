package cms

import (
	"errors"
	"fmt"
)

// Stage names the structure that failed to decode.
type Stage string

const (
	StageEnvelope       Stage = "envelope"
	StageCertificate    Stage = "certificate"
	StageTimestampToken Stage = "timestamp-token"
	StageExtension      Stage = "extension"
)

// Common errors
var (
	ErrNotSignedData = errors.New("content is not SignedData")
	ErrTrailingData  = errors.New("trailing data after structure")
)

// DecodeError is a structural failure while decoding part of a signature.
// It is fatal for the unit being decoded.
type DecodeError struct {
	Stage Stage
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError wraps err with the stage that failed.
func NewDecodeError(stage Stage, err error) *DecodeError {
	return &DecodeError{Stage: stage, Err: err}
}

// DecodeStage reports the stage of the first DecodeError in err's chain.
func DecodeStage(err error) (Stage, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Stage, true
	}
	return "", false
}
