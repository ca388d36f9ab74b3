// Package schema defines the domain records kept in the offline cache.
//
// # Overview
//
// Three record types are cached and synchronized: Task, Expense and Reminder.
// Each belongs to exactly one owner and carries a stable id that is generated
// on the client when the record is created offline and confirmed by the
// server once the create reaches the remote store.
//
// Sync metadata never lives on the domain types. Cached records travel inside
// an Envelope, which pairs a SyncStatus with a Variant. The Variant is a tagged
// union over the three record types:
//
//	env := schema.Envelope{
//	    SyncStatus: schema.StatusPending,
//	    Payload:    schema.Wrap(schema.Expense{ID: id, OwnerID: "u1", Item: "Coffee", Amount: 4.5}),
//	}
//
// # Wire Format
//
// A Variant marshals as {"type": "expense", "data": {...}}. The data object uses
// the same snake_case field names as the remote tables, so Decode accepts rows
// returned by the REST API and records delivered by the realtime feed without
// any mapping layer.
//
// # Partial Updates
//
// Patch holds a partial set of fields keyed by their JSON names. ApplyPatch and
// PatchVariant overlay a patch onto an existing record and validate the result.
// Patches may not change id or owner_id.
package schema
