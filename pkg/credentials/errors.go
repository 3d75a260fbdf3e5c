package credentials

import (
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/awserr"
)

// ErrExhausted is returned by sources that have no material left to offer.
var ErrExhausted = errors.New("credential source exhausted")

type AuthError struct {
	Subgraph  string
	Source    string
	Err       error
	temporary bool
}

func newAuthError(source string, err error) *AuthError {
	return &AuthError{Source: source, Err: err, temporary: isTemporary(err)}
}

func (e *AuthError) Error() string {
	if e.Subgraph != "" {
		return fmt.Sprintf("authentication for subgraph %q failed: %s: %v", e.Subgraph, e.Source, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Source, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the call may succeed.
func (e *AuthError) Temporary() bool {
	return e.temporary
}

func isTemporary(err error) bool {
	if errors.Is(err, ErrExhausted) || errors.Is(err, os.ErrNotExist) {
		return false
	}
	var awsErr awserr.Error
	if errors.As(err, &awsErr) && awsErr.Code() == "NoCredentialProviders" {
		return false
	}
	return true
}
