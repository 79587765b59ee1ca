package agent

import "errors"

// ErrGenerationFailed covers decision or generation failures and empty model
// output. Callers answer with a fallback reply.
var ErrGenerationFailed = errors.New("generation failed")
