package tools

// Result is the unified outcome of a tool execution: Ok, Error, or Rejected.
// ForLLM is the body fed back to the LLM; Brief is a short human summary for
// the event stream.
type Result struct {
	ForLLM   string `json:"for_llm"`
	Brief    string `json:"brief,omitempty"`
	Detail   string `json:"detail,omitempty"`
	IsError  bool   `json:"is_error"`
	Rejected bool   `json:"rejected"`
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func BriefResult(forLLM, brief string) *Result {
	return &Result{ForLLM: forLLM, Brief: brief}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func ErrorDetailResult(message, detail string) *Result {
	return &Result{ForLLM: message, Detail: detail, IsError: true}
}

func RejectedResult(reason string) *Result {
	return &Result{ForLLM: reason, Rejected: true}
}
