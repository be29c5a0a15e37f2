package tools

// Definition is the stored configuration a tool is built from. One
// struct covers every kind; the factory reads the fields relevant to
// Kind and ignores the rest.
type Definition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Kind        string         `json:"kind"` // api, llm, builtin, platform
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// API tools
	Method         string            `json:"method,omitempty"`
	BaseURL        string            `json:"base_url,omitempty"`
	Path           string            `json:"path,omitempty"`
	Auth           AuthConfig        `json:"auth,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	RequiredFields []string          `json:"required_fields,omitempty"`
	Transform      TransformConfig   `json:"transform,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`

	// Sub-LLM tools
	Prompt     string `json:"prompt,omitempty"`
	Creativity string `json:"creativity,omitempty"` // low, medium, high
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`

	// Builtin tools
	Operation string `json:"operation,omitempty"`

	// Platform tools
	Platform string `json:"platform,omitempty"`
}

// AuthConfig describes how an API tool authenticates.
type AuthConfig struct {
	Mode string `json:"mode,omitempty"` // none, api-key, bearer, basic, oauth, custom-headers

	// api-key: header or query parameter name plus the key itself
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
	In    string `json:"in,omitempty"` // header (default) or query

	// bearer
	Token string `json:"token,omitempty"`

	// basic
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// custom-headers
	Headers map[string]string `json:"headers,omitempty"`

	// oauth: the integration whose stored credential backs requests
	IntegrationID string `json:"integration_id,omitempty"`
}

// TransformConfig shapes a tool's raw response before the model sees it.
type TransformConfig struct {
	Mode string `json:"mode,omitempty"` // full (default), extract, llm
	// extract: output key -> JSON path into the response
	Mapping map[string]string `json:"mapping,omitempty"`
	// llm: summarization instructions
	Prompt string `json:"prompt,omitempty"`
}

// Integration is a connected external account or API surface that
// tools execute against.
type Integration struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Platform string         `json:"platform,omitempty"`
	BaseURL  string         `json:"base_url,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}
