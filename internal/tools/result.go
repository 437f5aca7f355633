package tools

// Result is the unified return type from tool execution. Tool failures
// are carried back to the model as results, never as aborted runs.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent back to the model
	ForUser string `json:"for_user,omitempty"` // content surfaced to the user directly
	Silent  bool   `json:"silent"`             // suppress user-facing message
	IsError bool   `json:"is_error"`
	Async   bool   `json:"async"` // work continues in the background
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func AsyncResult(message string) *Result {
	return &Result{ForLLM: message, Async: true}
}
