package mysql

import (
	"fmt"

	"github.com/velmie/eventrelay/internal/sqlname"
)

const schemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	event_id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	event_name VARCHAR(255) NOT NULL,
	event_payload JSON NOT NULL,
	relayed TINYINT(1) NOT NULL DEFAULT 0,
	created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (event_id),
	INDEX idx_relayed_event_id (relayed, event_id)
);`

// Schema returns the DDL of the outbox table.
func Schema(table string) (string, error) {
	name, err := sqlname.Table(table)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(schemaTemplate, name), nil
}
