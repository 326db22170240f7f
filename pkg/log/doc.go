/*
Package log provides structured logging for raidcfg using zerolog.

A single package-level Logger is configured once by Init and shared by every
component. Until Init runs the logger discards everything, which keeps tests
and embedded users silent.

# Component Loggers

Each subsystem derives a child logger carrying its component name, and the
commit path adds transaction and object ids:

	dbLog := log.WithComponent("database")
	txLog := log.WithTransactionID(dbLog, uint64(id))
	txLog.Info().Int("objects", n).Msg("transaction committed")

# Output

Config.JSONOutput selects JSON lines (production) or the zerolog console writer
(interactive use). Levels are debug, info, warn and error; anything else maps
to info.
*/
package log
