package transport

// RebuildAggregateRequest asks for one entity's aggregate to be recomputed.
type RebuildAggregateRequest struct {
	EntityID   string `json:"entityId" validate:"required,max=200"`
	Collection string `json:"collection,omitempty" validate:"omitempty,collection"`
}

// RebuildAggregateResponse reports the rebuilt aggregate size.
type RebuildAggregateResponse struct {
	OK    bool   `json:"ok"`
	Count *int   `json:"count,omitempty"`
	Error string `json:"error,omitempty"`
}

// RebuildAllRequest lists the tenants to rebuild.
type RebuildAllRequest struct {
	TenantIDs []string `json:"tenantIds" validate:"required,min=1,max=1000,dive,required,max=200"`
}

// RebuildAllResponse summarizes a bulk rebuild.
type RebuildAllResponse struct {
	OK                 bool   `json:"ok"`
	Tenants            int    `json:"tenants"`
	CompaniesProcessed int    `json:"companiesProcessed"`
	TotalUpdated       int    `json:"totalUpdated"`
	Failed             int    `json:"failed"`
	Truncated          bool   `json:"truncated"`
	Error              string `json:"error,omitempty"`
}

// TriggerRequest is a change notification from an external change stream.
type TriggerRequest struct {
	DocumentID string         `json:"documentId" validate:"required,max=200"`
	Before     map[string]any `json:"before"`
	After      map[string]any `json:"after"`
}

// TargetResponse identifies an entity touched by fan-out.
type TargetResponse struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// TriggerResponse reports the gate decision and the fan-out.
type TriggerResponse struct {
	Accepted bool             `json:"accepted"`
	Reason   string           `json:"reason"`
	Targets  []TargetResponse `json:"targets"`
	Updated  int              `json:"updated"`
	Error    string           `json:"error,omitempty"`
}
