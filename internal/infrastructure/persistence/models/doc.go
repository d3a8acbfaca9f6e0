// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns; repositories convert with ToDomain and FromDomain.
//
// The GORM tags mirror migrations/ so AutoMigrate on SQLite builds the same
// unique indexes the PostgreSQL schema has.
package models
