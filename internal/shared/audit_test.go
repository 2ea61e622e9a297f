package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuditRecordValidation(t *testing.T) {
	var missing *AuditLogger
	err := missing.Record(context.Background(), AuditLog{Action: "x", Entity: "y", EntityID: "1"})
	require.Error(t, err)

	empty := &AuditLogger{}
	err = empty.Record(context.Background(), AuditLog{Entity: "y", EntityID: "1"})
	require.Error(t, err)
}
