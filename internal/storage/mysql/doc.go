// Package mysql provides repositories and data access helpers backed by MySQL.
// It encapsulates schema migrations, the decision audit log that records every
// verdict, and policy-state snapshot persistence for restart continuity.
package mysql
