// Package events fans out agent state transitions and job results to
// in-process subscribers such as the API's status stream and tests.
//
// Events are also written to the store's event ledger by the coordinator;
// the [Broadcaster] only handles live delivery and drops events for
// subscribers that fall behind.
package events
