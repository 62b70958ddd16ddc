package target

// Contact is a contact record on the target platform. ExternalID is the CRM
// record id and is the idempotency key for bulk creates.
type Contact struct {
	ID          string            `json:"id,omitempty"`
	ExternalID  string            `json:"external_id"`
	Name        string            `json:"name"`
	Phone       string            `json:"phone,omitempty"`
	Email       string            `json:"email,omitempty"`
	CustomProps map[string]string `json:"custom_props,omitempty"`
}

// Activity is a call or message activity attached to a contact on the
// target platform.
type Activity struct {
	ID         string `json:"id,omitempty"`
	ContactID  string `json:"contact_id"`
	ExternalID string `json:"external_id"`
	Kind       string `json:"kind"` // "call" or "message"
	Direction  string `json:"direction,omitempty"`
	Body       string `json:"body,omitempty"`
	Duration   int64  `json:"duration,omitempty"`
	OccurredAt int64  `json:"occurred_at,omitempty"`
}

// bulkCreateRequest is the wire shape for the bulk contact endpoint.
type bulkCreateRequest struct {
	Contacts []*Contact `json:"contacts"`
}

// contactList is the wire shape for list responses.
type contactList struct {
	Contacts []*Contact `json:"contacts"`
}
