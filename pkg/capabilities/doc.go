// Package capabilities keeps the hot-reloadable skill set the agent pulls at
// the start of every turn.
//
// A skill is a directory holding SKILL.md with YAML frontmatter:
//
//	---
//	name: release-notes
//	description: Draft release notes from merged changes
//	---
//	Body with the full instructions.
//
// Sync rescans the configured directories. With watching enabled, a rescan only
// happens after fsnotify reported a change.
package capabilities
