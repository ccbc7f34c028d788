package postgres

import (
	"fmt"
	"strings"

	"github.com/velmie/eventrelay/internal/sqlname"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %[1]s (
	event_id BIGSERIAL PRIMARY KEY,
	event_name VARCHAR(255) NOT NULL,
	event_payload JSONB NOT NULL,
	relayed BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[2]s_unrelayed_idx ON %[1]s (event_id) WHERE relayed = FALSE;`

// Schema returns the DDL of the outbox table and its partial index.
func Schema(table string) (string, error) {
	name, err := sqlname.Table(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name, strings.ReplaceAll(name, ".", "_")), nil
}
