package feed

import (
	"fmt"
	"time"
)

// SubscriptionQueries returns the queries selecting every reference row
// plus the fact rows created after start. Chat channels at or below 2 are
// never relayed and are filtered server-side.
func SubscriptionQueries(start time.Time) []string {
	return []string{
		"SELECT * FROM " + TableClaims,
		"SELECT * FROM " + TableEmpires,
		"SELECT * FROM " + TablePlayers,
		fmt.Sprintf("SELECT t.* FROM %s t WHERE t.channel_id > 2 AND t.timestamp > %d",
			TableChats, start.Unix()),
		fmt.Sprintf("SELECT t.* FROM %s t WHERE t.created_time > '%s'",
			TableModerations, start.UTC().Format(time.RFC3339Nano)),
	}
}
