package domain

import "time"

// Question is one unit of work within a batch. Index is its position in
// the uploaded document; execution order is unspecified but the final
// document is always assembled in ascending Index.
type Question struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// BatchJob describes one "solve these questions" request handed to the
// dispatcher by the HTTP layer.
type BatchJob struct {
	TaskID    string     `json:"task_id"`
	UserPhone string     `json:"user_phone"`
	Language  string     `json:"language"`
	Questions []Question `json:"questions"`
	StartedAt time.Time  `json:"started_at"`
	Deadline  time.Time  `json:"deadline,omitempty"` // zero = no deadline
}

// QuestionResult is the outcome of solving one question.
type QuestionResult struct {
	Index         int           `json:"index"`
	Solution      string        `json:"solution,omitempty"`
	Output        string        `json:"output,omitempty"` // rendered terminal block
	Err           string        `json:"error,omitempty"`
	Attempts      int           `json:"attempts"`
	FinalProvider Provider      `json:"final_provider,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ms"`
}

// Failed reports whether the question exhausted every provider.
func (r QuestionResult) Failed() bool { return r.Err != "" }
