// Package types provides the domain types shared by every stacktrain package.
//
// This package contains type definitions, the lifecycle transition table and
// the canonical payload encoding. All other internal packages import types;
// types imports nothing internal.
//
// Key design constraints:
//   - Entries reference each other by workspace name, never by pointer
//   - All JSON tags use snake_case
//   - Event payloads are canonical JSON so checksums are stable across replays
package types
