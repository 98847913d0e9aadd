package instanceprovisioner

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

// ProvisionError means a cloud resource for an instance could not be created, found or reached.
type ProvisionError struct {
	Op     string
	Region string
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Region == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s in %s: %v", e.Op, e.Region, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// apiErrorCode returns the AWS error code carried by err, or "" if there is none.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
