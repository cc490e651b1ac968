// Package domain contains the core data model shared across the arbiter
// subsystems: strategy components and their capabilities, decision requests
// and responses, resource types, and the error taxonomy.
//
// The domain package has no dependencies on other arbiter packages so that
// registry, resources, health, and fallback can all share it freely.
package domain
