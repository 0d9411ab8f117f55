// Package types defines the core data model shared by every taskfleet
// component: tasks, workflow records, run statuses and the error taxonomy.
//
// Nothing in this package performs I/O. Records are mutated only by the
// executor and the healer; all other components treat them as read-only.
package types
