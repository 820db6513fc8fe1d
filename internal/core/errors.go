package core

import (
	"fmt"

	"pkt.systems/syncd/api"
)

// Failure captures a transport-neutral outcome that adapters map onto the
// wire. Engine operations return Failure for every caller-triggerable
// rejection; infrastructure problems surface as CodeInternalError.
type Failure struct {
	Code   api.Code
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code.String()
}

func internalFailure(action string, err error) Failure {
	return Failure{
		Code:   api.CodeInternalError,
		Detail: fmt.Sprintf("%s: %v", action, err),
	}
}
