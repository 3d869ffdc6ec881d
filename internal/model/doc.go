// Package model provides the core data types shared by every offsync package.
//
// This package contains type definitions and small helpers only. All other
// internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Action is a closed variant: unknown action strings fail to parse
//   - Every Mutation carries a payload whose id is stable across replays
//   - Resource names are NFC normalized before they reach the store
//   - All JSON tags use snake_case
package model
