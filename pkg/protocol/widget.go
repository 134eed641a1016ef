package protocol

// Typed payloads for the three widget types. The broker stores them as raw
// JSON; clients marshal into and out of these shapes.

type ConfirmInput struct {
	Title       string `json:"title"`
	Message     string `json:"message,omitempty"`
	ApproveText string `json:"approveText,omitempty"`
	RejectText  string `json:"rejectText,omitempty"`
}

type ConfirmOutput struct {
	Approved  bool   `json:"approved"`
	Timestamp string `json:"timestamp,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

type SelectInput struct {
	Title      string   `json:"title"`
	Options    []string `json:"options"`
	Multi      bool     `json:"multi"`
	Searchable bool     `json:"searchable,omitempty"`
}

type SelectOutput struct {
	Selected any    `json:"selected"` // string, or []string when Multi
	Comment  string `json:"comment,omitempty"`
}

type FormInput struct {
	Title  string `json:"title"`
	Schema any    `json:"schema"` // JSON Schema
}

type FormOutput struct {
	Data    map[string]any `json:"data"`
	Comment string         `json:"comment,omitempty"`
}
