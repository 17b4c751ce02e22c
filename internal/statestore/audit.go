package statestore

import (
	"context"
	"time"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

const auditColumns = `id, timestamp, correlation_id, tenant_id, actor_type, actor_id,
	action, resource_type, resource_id, detail, ip_address, user_agent`

// AppendAuditParams describes one audit_log insert. The table is
// append-only: a database rule (see migrations) silently suppresses any
// update or delete, so this package never exposes one.
type AppendAuditParams struct {
	CorrelationID *string
	TenantID      *string
	ActorType     string
	ActorID       *string
	Action        string
	ResourceType  string
	ResourceID    string
	Detail        interface{}
	IPAddress     *string
	UserAgent     *string
}

// AppendAudit inserts one audit_log row.
func (s *Store) AppendAudit(ctx context.Context, params AppendAuditParams) error {
	detail, err := MarshalJSONB(params.Detail)
	if err != nil {
		return apierr.InvariantViolation("marshal audit detail", err)
	}

	entry := AuditLogEntry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: params.CorrelationID,
		TenantID:      params.TenantID,
		ActorType:     params.ActorType,
		ActorID:       params.ActorID,
		Action:        params.Action,
		ResourceType:  params.ResourceType,
		ResourceID:    params.ResourceID,
		Detail:        detail,
		IPAddress:     params.IPAddress,
		UserAgent:     params.UserAgent,
	}

	const query = `
		INSERT INTO audit_log (timestamp, correlation_id, tenant_id, actor_type,
			actor_id, action, resource_type, resource_id, detail, ip_address, user_agent)
		VALUES (:timestamp, :correlation_id, :tenant_id, :actor_type, :actor_id,
			:action, :resource_type, :resource_id, :detail, :ip_address, :user_agent)`

	if err := sqlxNamedExec(ctx, s.ext(ctx), query, entry); err != nil {
		return apierr.TransientIO("statestore.append_audit", err)
	}
	return nil
}

// ListAuditForResource returns the audit trail for one resource, newest first.
func (s *Store) ListAuditForResource(ctx context.Context, resourceType, resourceID string, limit int) ([]AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []AuditLogEntry
	query := `SELECT ` + auditColumns + ` FROM audit_log
		WHERE resource_type = $1 AND resource_id = $2 ORDER BY id DESC LIMIT $3`
	if err := sqlxSelect(ctx, s.ext(ctx), &entries, query, resourceType, resourceID, limit); err != nil {
		return nil, apierr.TransientIO("statestore.list_audit_for_resource", err)
	}
	return entries, nil
}
