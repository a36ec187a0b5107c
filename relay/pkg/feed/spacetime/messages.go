package spacetime

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const subprotocol = "v1.json.spacetimedb"

type clientMessage struct {
	Subscribe *subscribe `json:"Subscribe,omitempty"`
}

type subscribe struct {
	QueryStrings []string `json:"query_strings"`
	RequestID    uint32   `json:"request_id"`
}

// serverMessage is the externally tagged envelope. Exactly one field is set
// for the message kinds the source understands.
type serverMessage struct {
	IdentityToken          *identityToken          `json:"IdentityToken"`
	InitialSubscription    *initialSubscription    `json:"InitialSubscription"`
	TransactionUpdate      *transactionUpdate      `json:"TransactionUpdate"`
	TransactionUpdateLight *transactionUpdateLight `json:"TransactionUpdateLight"`
	SubscriptionError      *subscriptionError      `json:"SubscriptionError"`
}

type identityToken struct {
	Identity     json.RawMessage `json:"identity"`
	ConnectionID json.RawMessage `json:"connection_id"`
}

type initialSubscription struct {
	DatabaseUpdate databaseUpdate `json:"database_update"`
	RequestID      uint32         `json:"request_id"`
}

type transactionUpdate struct {
	Status updateStatus `json:"status"`
}

type updateStatus struct {
	Committed *databaseUpdate `json:"Committed"`
	Failed    json.RawMessage `json:"Failed"`
}

type transactionUpdateLight struct {
	RequestID uint32         `json:"request_id"`
	Update    databaseUpdate `json:"update"`
}

type subscriptionError struct {
	RequestID *uint32 `json:"request_id"`
	Error     string  `json:"error"`
}

type databaseUpdate struct {
	Tables []tableUpdate `json:"tables"`
}

type tableUpdate struct {
	TableName string        `json:"table_name"`
	Updates   []queryUpdate `json:"updates"`
}

type queryUpdate struct {
	Inserts []json.RawMessage `json:"inserts"`
	Deletes []json.RawMessage `json:"deletes"`
}

// UnmarshalJSON also accepts the {"Uncompressed": {...}} wrapper some server
// versions put around each update.
func (q *queryUpdate) UnmarshalJSON(data []byte) error {
	type plain queryUpdate
	var wrapped struct {
		Uncompressed *plain `json:"Uncompressed"`
	}
	if bytes.Contains(data, []byte(`"Uncompressed"`)) {
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Uncompressed != nil {
			*q = queryUpdate(*wrapped.Uncompressed)
			return nil
		}
	}
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*q = queryUpdate(p)
	return nil
}

// inserts flattens the update into table name -> inserted rows. Deletes are
// not observed.
func (u *databaseUpdate) inserts() map[string][]json.RawMessage {
	out := make(map[string][]json.RawMessage, len(u.Tables))
	for _, t := range u.Tables {
		for _, q := range t.Updates {
			if len(q.Inserts) > 0 {
				out[t.TableName] = append(out[t.TableName], q.Inserts...)
			}
		}
	}
	return out
}

// SubscriptionError is reported by the server when a subscription query is
// rejected. It ends the stream.
type SubscriptionError struct {
	Message string
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription error: %s", e.Message)
}
