package registry

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &Registry{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestRegister_UpsertsInstanceRow(t *testing.T) {
	r, mock := newMockRegistry(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO engine_instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	model := "whisper-large-v3"
	err := r.Register(ctx, "instance-1", "whisper", &model, nil, nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHeartbeat_UpdatesLastHeartbeatAndStatus(t *testing.T) {
	r, mock := newMockRegistry(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE engine_instances SET last_heartbeat = \$1, status = \$2 WHERE instance_id = \$3`).
		WithArgs(sqlmock.AnyArg(), InstanceAvailable, "instance-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Heartbeat(ctx, "instance-1", InstanceAvailable); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGet_NotFoundSurfacesAsNotFoundError(t *testing.T) {
	r, mock := newMockRegistry(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT .* FROM engine_instances WHERE instance_id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(instanceColumnNames))

	_, err := r.Get(ctx, "missing")
	if err == nil {
		t.Fatal("expected an error for a missing instance")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeNotFound {
		t.Fatalf("expected CodeNotFound, got %#v", err)
	}
}

func TestListHealthyByDescriptor_ExcludesUnhealthyAndExpired(t *testing.T) {
	r, mock := newMockRegistry(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := sqlmock.NewRows(instanceColumnNames).
		AddRow(instanceRow("instance-1", "whisper", InstanceAvailable, now)...)
	mock.ExpectQuery(`SELECT .* FROM engine_instances\s+WHERE descriptor_id = \$1 AND status != \$2 AND last_heartbeat >= \$3`).
		WithArgs("whisper", InstanceUnhealthy, sqlmock.AnyArg()).
		WillReturnRows(rows)

	instances, err := r.ListHealthyByDescriptor(ctx, "whisper", 30*time.Second)
	if err != nil {
		t.Fatalf("ListHealthyByDescriptor: %v", err)
	}
	if len(instances) != 1 || instances[0].InstanceID != "instance-1" {
		t.Fatalf("expected instance-1, got %+v", instances)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSweep_MarksExpiredInstancesUnhealthy(t *testing.T) {
	r, mock := newMockRegistry(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT instance_id FROM engine_instances WHERE status != \$1 AND last_heartbeat < \$2`).
		WithArgs(InstanceUnhealthy, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"instance_id"}).AddRow("stale-1"))
	mock.ExpectExec(`UPDATE engine_instances SET status = \$1 WHERE status != \$1 AND last_heartbeat < \$2`).
		WithArgs(InstanceUnhealthy, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ids, err := r.Sweep(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale-1" {
		t.Fatalf("expected [stale-1], got %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSweep_NoExpiredInstancesSkipsUpdate(t *testing.T) {
	r, mock := newMockRegistry(t)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT instance_id FROM engine_instances WHERE status != \$1 AND last_heartbeat < \$2`).
		WithArgs(InstanceUnhealthy, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"instance_id"}))

	ids, err := r.Sweep(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no instances swept, got %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

var instanceColumnNames = []string{
	"instance_id", "descriptor_id", "loaded_model", "status",
	"capabilities", "languages", "registered_at", "last_heartbeat",
}

func instanceRow(id, descriptorID string, status InstanceStatus, heartbeat time.Time) []interface{} {
	return []interface{}{id, descriptorID, nil, string(status), nil, nil, heartbeat, heartbeat}
}
