// Package audit records mutating actions into the append-only audit trail.
package audit

import (
	"log"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/models"
	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
)

// Recorder writes audit entries. Write failures are logged and swallowed so
// an audit problem never aborts the operation being audited.
type Recorder struct {
	db *storage.DB
}

// NewRecorder creates an audit recorder backed by the given store
func NewRecorder(db *storage.DB) *Recorder {
	return &Recorder{db: db}
}

// Entry carries the context of one audited action
type Entry struct {
	Actor        int64
	ConnectionID *int64
	Action       string
	ResourceType string
	ResourceID   string
	OldValues    map[string]interface{}
	NewValues    map[string]interface{}
	Duration     time.Duration
}

// Success records a successful action
func (r *Recorder) Success(e Entry) {
	r.write(e, models.AuditSuccess, "")
}

// Failure records a failed action with the error message
func (r *Recorder) Failure(e Entry, errMsg string) {
	r.write(e, models.AuditFailed, errMsg)
}

// Partial records a batch action where some items succeeded and some failed
func (r *Recorder) Partial(e Entry, errMsg string) {
	r.write(e, models.AuditPartial, errMsg)
}

func (r *Recorder) write(e Entry, status, errMsg string) {
	entry := models.AuditLog{
		UserID:          e.Actor,
		ConnectionID:    e.ConnectionID,
		Action:          e.Action,
		ResourceType:    e.ResourceType,
		ResourceID:      e.ResourceID,
		OldValues:       e.OldValues,
		NewValues:       e.NewValues,
		Status:          status,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: e.Duration.Milliseconds(),
	}

	if _, err := r.db.SaveAuditLog(entry); err != nil {
		log.Printf("Failed to write audit log for action %s: %v", e.Action, err)
	}
}
