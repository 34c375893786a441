// Package catalog defines the domain model shared across the appshelf
// service: catalog entries, short identifiers, job progress snapshots, and
// the narrow interfaces the orchestration core consumes.
package catalog
