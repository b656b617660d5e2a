// Package log wraps zerolog with the component-tagging conventions used
// throughout HiDRA (WithComponent, WithFileID, WithEndpoint) and optional
// size-based rotation to a file, driven by the sender's --log-path,
// --log-name and --log-size flags via lumberjack.
package log
