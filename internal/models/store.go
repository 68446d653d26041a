package models

// Collections known to the engine.
const (
	CollectionLocations = "locations"
	CollectionAuditLogs = "audit_logs"
)

// Field names of the location and audit documents.
const (
	FieldLatitude   = "latitude"
	FieldLongitude  = "longitude"
	FieldUpdatedAt  = "updatedAt"
	FieldIsOnline   = "isOnline"
	FieldActorID    = "actorId"
	FieldActorName  = "actorName"
	FieldAction     = "action"
	FieldTargetID   = "targetId"
	FieldTargetName = "targetName"
	FieldTargetType = "targetType"
	FieldDetails    = "details"
	FieldOccurredAt = "timestamp"
)

type ChangeOp string

const (
	OpAdded    ChangeOp = "added"
	OpModified ChangeOp = "modified"
	OpRemoved  ChangeOp = "removed"
)

// Change is one document change inside a batch.
type Change struct {
	Op     ChangeOp       `json:"op"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ChangeBatch is an ordered list of changes delivered together by a feed.
type ChangeBatch struct {
	Collection string   `json:"collection"`
	Changes    []Change `json:"changes"`
}

// Document is a raw record as returned by a page query.
type Document struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Cursor is an opaque store-assigned bookmark. Empty means start of sequence.
type Cursor string

type OrderBy struct {
	Field string
	Desc  bool
}

type PageQuery struct {
	Collection string
	Filter     AuditFilter
	OrderBy    OrderBy
	Cursor     Cursor
	Limit      int
}

type Page struct {
	Items      []Document
	LastCursor Cursor
}

// Filter narrows a live subscription. Empty IDs means every document.
type Filter struct {
	IDs []string `json:"ids,omitempty"`
}

func (f Filter) Allows(id string) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, v := range f.IDs {
		if v == id {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleResponder Role = "responder"
	RoleAdmin     Role = "admin"
)
