package mysql

import "fmt"

type queries struct {
	insert          string
	selectUnrelayed string
	markRelayed     string
	countUnrelayed  string
	deleteRelayed   string
}

func newQueries(table string) queries {
	return queries{
		insert: fmt.Sprintf("INSERT INTO %s (event_name, event_payload) VALUES (?, ?)", table),
		selectUnrelayed: fmt.Sprintf(
			"SELECT event_id, event_name, event_payload, relayed, created_at, updated_at FROM %s "+
				"WHERE relayed = 0 AND event_id > ? ORDER BY event_id ASC LIMIT ?",
			table,
		),
		markRelayed:    fmt.Sprintf("UPDATE %s SET relayed = 1, updated_at = ? WHERE event_id = ? AND relayed = 0", table),
		countUnrelayed: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE relayed = 0", table),
		deleteRelayed: fmt.Sprintf(
			"DELETE FROM %s WHERE relayed = 1 AND updated_at <= ? ORDER BY event_id LIMIT ?",
			table,
		),
	}
}
