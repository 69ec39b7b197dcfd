package transport

// UpdateEntityRequest is a direct update to one entity.
type UpdateEntityRequest struct {
	Collection string         `json:"collection,omitempty" validate:"omitempty,collection"`
	Updates    map[string]any `json:"updates" validate:"required,min=1,max=100"`
	Force      bool           `json:"force,omitempty"`
}

// UpdateEntityResponse reports how the update was handled. At most one of
// the outcome flags is set.
type UpdateEntityResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	Cached       bool   `json:"cached,omitempty"`
	RateLimited  bool   `json:"rateLimited,omitempty"`
	LoopDetected bool   `json:"loopDetected,omitempty"`
	NoChanges    bool   `json:"noChanges,omitempty"`
	Scope        string `json:"scope,omitempty"`
}
