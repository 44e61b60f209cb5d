package ipc

// Request is one client command. Text carries the utterance for speak and
// the argument for commands such as wake.
type Request struct {
	Command string `json:"command"`
	Text    string `json:"text,omitempty"`
}

type Response struct {
	OK         bool   `json:"ok"`
	State      string `json:"state,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}
