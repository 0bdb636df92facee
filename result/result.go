package result

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MayankPanda/cppbox/sandbox"
)

// Fixed caller-facing messages
const (
	TimeoutMessage       = "Timeout error. The code took too long to execute."
	InternalErrorMessage = "internal error while executing code"
)

// Kind is the closed set of request outcomes.
type Kind int

const (
	Success Kind = iota
	UnsupportedCompiler
	CompileOrRuntimeError
	Timeout
	EngineError
	InternalError
)

var kindNames = map[Kind]string{
	Success:               "success",
	UnsupportedCompiler:   "unsupported_compiler",
	CompileOrRuntimeError: "compile_or_runtime_error",
	Timeout:               "timeout",
	EngineError:           "engine_error",
	InternalError:         "internal_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalJSON encodes the kind by name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Result is what a caller gets back for one request. Output is set for
// Success, Detail for every other kind.
type Result struct {
	Kind   Kind
	Output string
	Detail string
}

// OK reports whether the program compiled and exited cleanly.
func (r Result) OK() bool {
	return r.Kind == Success
}

// Text returns Output for a success and Detail otherwise.
func (r Result) Text() string {
	if r.OK() {
		return r.Output
	}
	return r.Detail
}

// NewSuccess builds a Success result.
func NewSuccess(output string) Result {
	return Result{Kind: Success, Output: output}
}

// NewFailure builds a failure of kind with a caller-facing detail.
func NewFailure(kind Kind, detail string) Result {
	return Result{Kind: kind, Detail: detail}
}

// Internal is the result for faults inside the pipeline itself. The cause
// is logged by the caller and never returned.
func Internal() Result {
	return NewFailure(InternalError, InternalErrorMessage)
}

// Classify maps an execution outcome to a result. A timeout wins over an
// engine error raised while killing the sandbox, and both win over the
// exit code.
func Classify(o sandbox.Outcome) Result {
	switch {
	case o.TimedOut:
		return NewFailure(Timeout, TimeoutMessage)
	case o.EngineErr != nil:
		return NewFailure(EngineError, "execution backend error: "+o.EngineErr.Error())
	case o.ExitCode != 0:
		detail := strings.TrimSpace(o.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(o.Stdout)
		}
		if detail == "" {
			detail = fmt.Sprintf("process exited with status %d", o.ExitCode)
		}
		return NewFailure(CompileOrRuntimeError, detail)
	}
	return NewSuccess(strings.TrimSpace(o.Stdout))
}
