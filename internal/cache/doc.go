// Package cache owns the on-disk layout of the snapshot cache. It validates
// proxy request paths into Locators, links every timestamp directory to the
// shared pool, and tracks each cached file through an explicit
// absent → partial → complete state machine. Partial downloads are named
// <final>.<pid>.part so several proxy processes can share one cache
// directory; promotion to the final name is a single atomic rename.
package cache
